// Package voice runs conversation turns: an utterance is transcribed,
// answered, shortened for speech and synthesized, with each stage served
// by a fallback chain of providers.
//
// # Turns
//
// An Orchestrator owns the per-session state machine and admits at most
// one in-flight turn per session:
//
//	orch, err := voice.New(voice.DefaultConfig(), voice.Deps{
//	    STT:        sttChain,
//	    Completion: completionChain,
//	    TTS:        ttsChain,
//	    Sessions:   session.NewMemory(session.Options{}, nil),
//	    Artifacts:  artifact.NewMemory("/api/audio"),
//	    Sink:       sink,
//	})
//
//	turn, err := orch.SubmitUtterance(ctx, sessionID, voice.Utterance{
//	    Audio:    webm,
//	    MIMEType: "audio/webm",
//	})
//
// When every TTS provider fails the turn still completes with text and no
// audio. Transcription and completion failures return a *TurnError whose
// Apology is suitable for the user.
//
// # States
//
// Each session moves between Idle, Listening, Processing and Speaking.
// Every transition is mirrored to a StateSink, which drives the avatar
// renderer. Cancel (barge-in) aborts the in-flight turn and returns the
// session to Listening.
//
// # Latency
//
// MetricsCollector keeps per-stage latencies for recent turns:
//
//	avg := orch.Metrics().Average()
//	fmt.Println(avg.FormatLatency())
package voice
