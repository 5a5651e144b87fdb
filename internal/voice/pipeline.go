package voice

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opencall/phonecore/internal/brain"
	"github.com/opencall/phonecore/internal/history"
	"github.com/opencall/phonecore/internal/interruptmgr"
	"github.com/opencall/phonecore/internal/modelrouter"
	"github.com/opencall/phonecore/internal/observability"
	"github.com/opencall/phonecore/internal/policy"
	"github.com/opencall/phonecore/internal/protocol"
	"github.com/opencall/phonecore/internal/session"
)

// EngineConfig carries the turn-taking, deadline, and routing knobs a
// PipelineEngine needs per call. It is the runtime projection of
// config.Config's timing and model-routing fields.
type EngineConfig struct {
	EndOfUtterance      time.Duration
	STTTimeout          time.Duration
	LLMTimeout          time.Duration
	TTSTimeout          time.Duration
	MaxChunkBytes       int
	DefaultVoiceID      string
	DefaultTTSModelID   string
	SampleRate          int
}

// Engine is the PipelineEngine: it drives one realtime call end to end,
// running the Turn algorithm (STT -> ContentPolicy -> LLM -> TTS) against
// the session state machine and the InterruptManager's cancellation tokens.
type Engine struct {
	sessions     *session.Manager
	interrupts   *interruptmgr.Manager
	router       *modelrouter.Router
	brainAdapter brain.Adapter
	sttProvider  STTProvider
	ttsProvider  TTSProvider
	historyStore history.Store
	metrics      *observability.Metrics
	cfg          EngineConfig
}

// NewEngine wires a PipelineEngine from its already-constructed collaborators.
func NewEngine(
	sessions *session.Manager,
	interrupts *interruptmgr.Manager,
	router *modelrouter.Router,
	brainAdapter brain.Adapter,
	sttProvider STTProvider,
	ttsProvider TTSProvider,
	historyStore history.Store,
	metrics *observability.Metrics,
	cfg EngineConfig,
) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 8 * time.Second
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = 8 * time.Second
	}
	return &Engine{
		sessions:     sessions,
		interrupts:   interrupts,
		router:       router,
		brainAdapter: brainAdapter,
		sttProvider:  sttProvider,
		ttsProvider:  ttsProvider,
		historyStore: historyStore,
		metrics:      metrics,
		cfg:          cfg,
	}
}

// RunConnection drives one WebSocket connection's worth of inbound client
// messages to completion, writing outbound protocol messages to send. It
// returns when the connection's context is cancelled or the client sends
// session_end.
func (e *Engine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, send func(any)) error {
	sttSession, sttEvents, err := e.sttProvider.StartSession(ctx, s.ID)
	if err != nil {
		e.sendError(send, s.ID, 0, "stt_connect_failed", err.Error(), false)
		return err
	}
	defer sttSession.Close()

	var seq int64
	next := func() int64 {
		seq++
		return seq
	}

	var lastInterrupt atomic.Value
	e.interrupts.SetInterruptHook(s.ID, func(k interruptmgr.Kind) { lastInterrupt.Store(k) })
	defer e.interrupts.Forget(s.ID)

	send(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: s.ID, EventSeq: next()})
	_ = e.sessions.SetStatus(s.ID, session.StatusConnected)
	e.metrics.SessionEvents.WithLabelValues("connected").Inc()

	var (
		hasVoice       bool
		utteranceStart time.Time
		lastPartial    string
		lastConfidence float64
		endpointState  semanticEndpointDispatchState

		silenceTimer *time.Timer
		turnActive   bool
		turnDone     chan struct{}

		sttDeadline *time.Timer
	)
	defer func() {
		if silenceTimer != nil {
			silenceTimer.Stop()
		}
		if sttDeadline != nil {
			sttDeadline.Stop()
		}
	}()

	armTimer := func(d time.Duration) {
		if silenceTimer != nil {
			silenceTimer.Stop()
		}
		silenceTimer = time.NewTimer(d)
	}
	timerC := func() <-chan time.Time {
		if silenceTimer == nil {
			return nil
		}
		return silenceTimer.C
	}
	sttDeadlineC := func() <-chan time.Time {
		if sttDeadline == nil {
			return nil
		}
		return sttDeadline.C
	}
	clearSTTDeadline := func() {
		if sttDeadline != nil {
			sttDeadline.Stop()
			sttDeadline = nil
		}
	}
	// commitUtterance tells the provider the utterance is complete and arms
	// a deadline: the spec requires stt_timeout_ms be enforced on the
	// STT adapter call, and a commit that never returns a transcript must
	// not hang the connection forever.
	commitUtterance := func() {
		if !hasVoice {
			return
		}
		hasVoice = false
		endpointState.Reset()
		if silenceTimer != nil {
			silenceTimer.Stop()
			silenceTimer = nil
		}
		_ = sttSession.SendAudioChunk(ctx, "", e.cfg.SampleRate, true)
		sttDeadline = time.NewTimer(e.cfg.STTTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-turnDone:
			turnActive = false
			turnDone = nil

		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := raw.(type) {
			case protocol.AudioData:
				if len(m.Chunk) > e.cfg.MaxChunkBytes {
					e.sendError(send, s.ID, next(), "protocol_error", "chunk exceeds max_chunk_bytes", true)
					continue
				}
				e.metrics.WSMessages.WithLabelValues("in", "audio_data").Inc()
				if m.IsSilence {
					if hasVoice {
						hold := e.cfg.EndOfUtterance
						if hint, ok := buildSemanticEndpointHint(lastPartial, lastConfidence, time.Since(utteranceStart)); ok && endpointState.ShouldEmit(hint, time.Now()) {
							hold = hint.Hold
							if hint.ShouldCommit && hold > 60*time.Millisecond {
								hold = 60 * time.Millisecond
							}
						}
						armTimer(hold)
					}
					continue
				}
				if !hasVoice {
					hasVoice = true
					utteranceStart = time.Now()
					endpointState.Reset()
				}
				if silenceTimer != nil {
					silenceTimer.Stop()
					silenceTimer = nil
				}
				if turnActive {
					e.interrupts.StartUserSpeaking(s.ID)
				}
				if err := sttSession.SendAudioChunk(ctx, m.Chunk, e.cfg.SampleRate, false); err != nil {
					e.metrics.ProviderErrors.WithLabelValues("stt", "send_chunk").Inc()
				}

			case protocol.UserStopSpeaking:
				e.interrupts.StopUserSpeaking(s.ID)
				commitUtterance()

			case protocol.Interrupt:
				if turnActive {
					e.interrupts.TriggerInterrupt(s.ID, interruptmgr.KindManual)
				}

			case protocol.Ping:
				send(protocol.Pong{Type: protocol.TypePong, SessionID: s.ID, EventSeq: next(), TS: m.TS})

			case protocol.SessionEnd:
				e.interrupts.StopUserSpeaking(s.ID)
				if turnActive {
					e.interrupts.TriggerInterrupt(s.ID, interruptmgr.KindManual)
					<-turnDone
				}
				send(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: s.ID, EventSeq: next(), Reason: "client_request"})
				return nil
			}

		case <-timerC():
			commitUtterance()

		case <-sttDeadlineC():
			clearSTTDeadline()
			e.metrics.ProviderErrors.WithLabelValues("stt", "timeout").Inc()
			e.sendError(send, s.ID, next(), "stt_timeout", "speech-to-text did not return a transcript in time", true)
			_ = e.sessions.SetStatus(s.ID, session.StatusSpeakUser)

		case evt, ok := <-sttEvents:
			if !ok {
				continue
			}
			switch evt.Type {
			case STTEventPartial:
				lastPartial = evt.Text
				lastConfidence = evt.Confidence
				send(protocol.Transcription{Type: protocol.TypeTranscription, SessionID: s.ID, EventSeq: next(), Text: evt.Text, IsFinal: false})

			case STTEventCommitted:
				clearSTTDeadline()
				text := strings.TrimSpace(evt.Text)
				lastPartial = ""
				send(protocol.Transcription{Type: protocol.TypeTranscription, SessionID: s.ID, EventSeq: next(), Text: text, IsFinal: true})
				if text == "" {
					_ = e.sessions.SetStatus(s.ID, session.StatusSpeakUser)
					continue
				}
				if turnActive {
					continue
				}
				turnActive = true
				turnDone = make(chan struct{})
				go func(userText string) {
					defer close(turnDone)
					e.runTurn(ctx, s.ID, userText, next, send, &lastInterrupt)
				}(text)

			case STTEventError:
				clearSTTDeadline()
				e.metrics.ProviderErrors.WithLabelValues("stt", evt.Code).Inc()
				e.sendError(send, s.ID, next(), "stt_error", evt.Detail, evt.Retryable)
			}
		}
	}
}

// runTurn executes one Turn: ContentPolicy -> ModelRouter -> LLM stream ->
// TTS stream, observing cancellation from token at every suspension point
// named by the pipeline algorithm, then persists the turn and reports
// completion or interruption.
func (e *Engine) runTurn(parentCtx context.Context, sessionID, userText string, next func() int64, send func(any), lastInterrupt *atomic.Value) {
	turnID := uuid.NewString()
	token := interruptmgr.NewToken(parentCtx)
	e.interrupts.RegisterCancellable(sessionID, token)
	lastInterrupt.Store(interruptmgr.Kind(""))

	started := time.Now()
	_ = e.sessions.StartTurn(sessionID, turnID)
	e.metrics.SessionEvents.WithLabelValues("turn_started").Inc()

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		token.MarkDone()
		return
	}
	flags := policy.Flags{KidFriendly: sess.KidFriendly}
	turnCtx := token.Context()

	var (
		aiText           string
		llmMs, ttsMs     int64
		policyRedirected bool
		audioChunks      int
		audioUnavailable bool
	)

	filterIn := policy.FilterIn(userText, flags)
	if !filterIn.Allowed {
		policyRedirected = true
		aiText = filterIn.Text
		e.interrupts.MarkSpeakingAI(sessionID, true)
		_ = e.sessions.SetStatus(sessionID, session.StatusSpeakAI)
		e.deliverReply(turnCtx, sessionID, turnID, aiText, next, send, flags, &audioChunks, &audioUnavailable, &ttsMs, started)
	} else {
		memCtx, _ := e.historyStore.RecentContext(turnCtx, sess.UserID, 8)
		memLines := make([]string, 0, len(memCtx))
		for _, t := range memCtx {
			memLines = append(memLines, "user: "+t.UserText+"\nassistant: "+t.AIText)
		}

		choice := e.router.Choose(modelrouter.Context{
			Language:     sess.Language,
			KidFriendly:  sess.KidFriendly,
			PromptChars:  len(userText),
			LoadHeadroom: 1,
		})

		req := brain.MessageRequest{
			UserID:        sess.UserID,
			SessionID:     sess.ID,
			TurnID:        turnID,
			InputText:     filterIn.Text,
			MemoryContext: memLines,
			ModelID:       choice.ModelID,
		}

		ttsStream, ttsErr := e.ttsProvider.StartStream(turnCtx, e.cfg.DefaultVoiceID, e.cfg.DefaultTTSModelID, TTSSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: 1.0})
		audioUnavailable = ttsErr != nil
		if audioUnavailable {
			e.metrics.ProviderErrors.WithLabelValues("tts", "start_stream").Inc()
		}

		leadFilter := newLeadResponseFilter()
		speechPlanner := newProsodyPlanner()
		var textSent bool
		var aiBuf strings.Builder

		onDelta := func(delta string) error {
			if turnCtx.Err() != nil {
				return turnCtx.Err()
			}
			aiBuf.WriteString(delta)
			clean := sanitizeSpeechText(delta)
			if clean == "" {
				return nil
			}
			visible := leadFilter.Consume(clean)
			if visible == "" {
				return nil
			}
			bridged := bridgeSpeechDelta(delta, visible, textSent)
			if !textSent {
				e.interrupts.MarkSpeakingAI(sessionID, true)
				_ = e.sessions.SetStatus(sessionID, session.StatusSpeakAI)
			}
			textSent = true
			send(protocol.LLMResponseChunk{Type: protocol.TypeLLMResponseChunk, SessionID: sessionID, EventSeq: next(), Content: bridged, IsFinal: false})
			if !audioUnavailable {
				// Buffer until a clause boundary instead of feeding every delta
				// straight to TTS, so audio generation starts on whole phrases.
				for _, segment := range speechPlanner.Push(policy.FilterOut(bridged, flags)) {
					if err := ttsStream.SendText(turnCtx, segment, true); err != nil {
						audioUnavailable = true
						e.metrics.ProviderErrors.WithLabelValues("tts", "send_text").Inc()
						break
					}
				}
			}
			return nil
		}

		llmStart := time.Now()
		llmCtx, cancel := context.WithTimeout(turnCtx, e.cfg.LLMTimeout)
		resp, llmErr := e.brainAdapter.StreamResponse(llmCtx, req, onDelta)
		cancel()

		if llmErr != nil && turnCtx.Err() == nil {
			fallback := e.router.FallbackChoice()
			req.ModelID = fallback.ModelID
			e.metrics.ProviderErrors.WithLabelValues("llm", "primary_failed").Inc()
			llmCtx2, cancel2 := context.WithTimeout(turnCtx, e.cfg.LLMTimeout)
			resp, llmErr = e.brainAdapter.StreamResponse(llmCtx2, req, onDelta)
			cancel2()
		}
		llmMs = time.Since(llmStart).Milliseconds()
		e.metrics.ObserveTurnStage("llm", time.Since(llmStart))

		if llmErr != nil && turnCtx.Err() == nil {
			e.metrics.ProviderErrors.WithLabelValues("llm", "fallback_failed").Inc()
			token.MarkDone()
			e.interrupts.MarkSpeakingAI(sessionID, false)
			e.sendError(send, sessionID, next(), "llm_error", llmErr.Error(), false)
			_ = e.sessions.EndTurn(sessionID)
			_ = e.sessions.SetStatus(sessionID, session.StatusSpeakUser)
			return
		}

		tail := leadFilter.Finalize(resp.Text)
		var tailSegments []string
		if tail != "" {
			send(protocol.LLMResponseChunk{Type: protocol.TypeLLMResponseChunk, SessionID: sessionID, EventSeq: next(), Content: tail, IsFinal: true})
			tailSegments = speechPlanner.Push(policy.FilterOut(tail, flags))
		} else {
			send(protocol.LLMResponseChunk{Type: protocol.TypeLLMResponseChunk, SessionID: sessionID, EventSeq: next(), Content: "", IsFinal: true})
		}
		tailSegments = append(tailSegments, speechPlanner.Finalize()...)
		if !audioUnavailable {
			for _, segment := range tailSegments {
				if err := ttsStream.SendText(turnCtx, segment, true); err != nil {
					audioUnavailable = true
					break
				}
			}
		}

		aiText = strings.TrimSpace(aiBuf.String())
		if aiText == "" {
			aiText = strings.TrimSpace(resp.Text)
		}

		if !audioUnavailable {
			ttsStart := time.Now()
			_ = ttsStream.CloseInput(turnCtx)
			drainCtx, drainCancel := context.WithTimeout(turnCtx, e.cfg.TTSTimeout)
			firstAudio := true
		drainLoop:
			for {
				select {
				case <-drainCtx.Done():
					if turnCtx.Err() == nil {
						audioUnavailable = true
						e.metrics.ProviderErrors.WithLabelValues("tts", "timeout").Inc()
					}
					break drainLoop
				case evt, ok := <-ttsStream.Events():
					if !ok {
						break drainLoop
					}
					switch evt.Type {
					case TTSEventAudio:
						if firstAudio {
							firstAudio = false
							e.metrics.ObserveFirstAudioLatency(time.Since(started))
						}
						send(protocol.StreamingAudioChunk{Type: protocol.TypeStreamingAudio, SessionID: sessionID, EventSeq: next(), ChunkIndex: audioChunks, Audio: evt.AudioBase64, IsFinal: false})
						audioChunks++
					case TTSEventFinal:
						break drainLoop
					case TTSEventError:
						audioUnavailable = true
						e.metrics.ProviderErrors.WithLabelValues("tts", evt.Code).Inc()
						break drainLoop
					}
				}
			}
			drainCancel()
			_ = ttsStream.Close()
			ttsMs = time.Since(ttsStart).Milliseconds()
			e.metrics.ObserveTurnStage("tts", time.Since(ttsStart))
		}
	}

	interrupted := turnCtx.Err() != nil
	var kind string
	if interrupted {
		if k, ok := lastInterrupt.Load().(interruptmgr.Kind); ok {
			kind = string(k)
		}
	}
	token.MarkDone()
	e.interrupts.MarkSpeakingAI(sessionID, false)

	if interrupted {
		_ = e.sessions.Interrupt(sessionID)
		e.metrics.SessionEvents.WithLabelValues("turn_interrupted").Inc()
	} else {
		_ = e.sessions.EndTurn(sessionID)
		_ = e.sessions.SetStatus(sessionID, session.StatusSpeakUser)
		e.metrics.SessionEvents.WithLabelValues("turn_completed").Inc()
	}
	e.metrics.ObserveTurnStage("turn_total", time.Since(started))

	send(protocol.AIResponseComplete{
		Type:             protocol.TypeAIResponseComplete,
		SessionID:        sessionID,
		EventSeq:         next(),
		TurnID:           turnID,
		Text:             aiText,
		Interrupted:      interrupted,
		InterruptKind:    kind,
		Timings:          protocol.Timings{LLMMs: llmMs, TTSMs: ttsMs},
		AudioChunks:      audioChunks,
		AudioUnavailable: audioUnavailable,
	})
	if interrupted && kind != "" {
		send(protocol.InterruptConfirmed{Type: protocol.TypeInterruptConfirmed, SessionID: sessionID, EventSeq: next(), Kind: kind})
	}

	turn := history.Turn{
		ID:               turnID,
		SessionID:        sessionID,
		UserID:           sess.UserID,
		UserText:         userText,
		AIText:           aiText,
		Interrupted:      interrupted,
		InterruptKind:    kind,
		PolicyRedirected: policyRedirected,
		AudioChunks:      audioChunks,
		AudioUnavailable: audioUnavailable,
		Timings:          history.Timings{LLMMs: llmMs, TTSMs: ttsMs},
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.historyStore.AppendTurn(context.Background(), turn); err != nil {
		e.metrics.ProviderErrors.WithLabelValues("history", "append_turn").Inc()
	}
}

// deliverReply speaks a policy-substituted reply (no LLM call involved) through
// TTS, used for the policy_redirected path.
func (e *Engine) deliverReply(ctx context.Context, sessionID, turnID, text string, next func() int64, send func(any), flags policy.Flags, audioChunks *int, audioUnavailable *bool, ttsMs *int64, started time.Time) {
	send(protocol.LLMResponseChunk{Type: protocol.TypeLLMResponseChunk, SessionID: sessionID, EventSeq: next(), Content: text, IsFinal: true})

	ttsStream, err := e.ttsProvider.StartStream(ctx, e.cfg.DefaultVoiceID, e.cfg.DefaultTTSModelID, TTSSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: 1.0})
	if err != nil {
		*audioUnavailable = true
		return
	}
	defer ttsStream.Close()

	ttsStart := time.Now()
	if err := ttsStream.SendText(ctx, policy.FilterOut(text, flags), true); err != nil {
		*audioUnavailable = true
		return
	}
	_ = ttsStream.CloseInput(ctx)
	drainCtx, drainCancel := context.WithTimeout(ctx, e.cfg.TTSTimeout)
	defer drainCancel()
	firstAudio := true
drainLoop:
	for {
		select {
		case <-drainCtx.Done():
			if ctx.Err() == nil {
				*audioUnavailable = true
				e.metrics.ProviderErrors.WithLabelValues("tts", "timeout").Inc()
			}
			break drainLoop
		case evt, ok := <-ttsStream.Events():
			if !ok {
				break drainLoop
			}
			switch evt.Type {
			case TTSEventAudio:
				if firstAudio {
					firstAudio = false
					e.metrics.ObserveFirstAudioLatency(time.Since(started))
				}
				send(protocol.StreamingAudioChunk{Type: protocol.TypeStreamingAudio, SessionID: sessionID, EventSeq: next(), ChunkIndex: *audioChunks, Audio: evt.AudioBase64, IsFinal: false})
				*audioChunks++
			case TTSEventFinal:
				break drainLoop
			case TTSEventError:
				*audioUnavailable = true
				break drainLoop
			}
		}
	}
	*ttsMs = time.Since(ttsStart).Milliseconds()
}

func (e *Engine) sendError(send func(any), sessionID string, seq int64, kind, message string, recoverable bool) {
	send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, EventSeq: seq, Kind: kind, Message: message, Recoverable: recoverable})
}
