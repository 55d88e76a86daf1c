package server

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/dialog"
	"github.com/room4-2/bookingline/session"
)

const (
	gatherPath     = "/voice/gather"
	voiceTurnLimit = 12 * time.Second
	voiceLanguage  = "en-AU"
	troubleMessage = "Sorry, we're having trouble on our end. Please call back a little later."
)

// TwilioServer answers Twilio voice webhooks. Each call is one conversation
// keyed by its CallSid; speech arrives already transcribed by <Gather>.
type TwilioServer struct {
	httpServer     *http.Server
	sessionManager *session.Manager
	config         *config.Config
}

func NewTwilioServer(cfg *config.Config, sessionManager *session.Manager) *TwilioServer {
	s := &TwilioServer{
		sessionManager: sessionManager,
		config:         cfg,
	}

	// Determine which port to use
	port := cfg.TwilioPort
	if cfg.ServerType == "twilio" {
		// When running as standalone Twilio server, use the main port
		port = cfg.Port
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: voiceTurnLimit + 5*time.Second,
	}

	return s
}

// Handler returns the webhook routes
func (s *TwilioServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/voice", s.handleVoiceCall)
	mux.HandleFunc(gatherPath, s.handleGather)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *TwilioServer) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("server: voice webhooks at /voice and " + gatherPath)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *TwilioServer) Shutdown(ctx context.Context) error {
	log.Info().Msg("server: shutting down voice server")
	return s.httpServer.Shutdown(ctx)
}

func (s *TwilioServer) handleVoiceCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	log.Info().Str("call_sid", r.PostFormValue("CallSid")).Str("from", r.PostFormValue("From")).Msg("server: incoming call")
	writeTwiML(w, ask(s.sessionManager.Greeting()))
}

func (s *TwilioServer) handleGather(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSid := r.PostFormValue("CallSid")
	if callSid == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), voiceTurnLimit)
	defer cancel()

	res, err := s.sessionManager.HandleTurn(ctx, callSid, r.PostFormValue("SpeechResult"))
	if err != nil {
		log.Error().Err(err).Str("call_sid", callSid).Msg("server: voice turn failed")
		writeTwiML(w, response{Verbs: []any{sayVerb(troubleMessage), hangupVerb{}}})
		return
	}

	switch {
	case res.Escalated:
		verbs := []any{sayVerb(res.Reply)}
		if s.config.EscalationNumber != "" {
			verbs = append(verbs, dialVerb{Number: s.config.EscalationNumber})
		} else {
			verbs = append(verbs, hangupVerb{})
		}
		writeTwiML(w, response{Verbs: verbs})
	case res.Outcome == dialog.OutcomeCompleted, res.Outcome == dialog.OutcomeFinished:
		writeTwiML(w, response{Verbs: []any{sayVerb(res.Reply), hangupVerb{}}})
	default:
		writeTwiML(w, ask(res.Reply))
	}
}

func (s *TwilioServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"server":   "twilio",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	})
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type say struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr"`
	Language      string   `xml:"language,attr"`
	Say           say
}

type redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type dialVerb struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

func sayVerb(text string) say {
	return say{Language: voiceLanguage, Text: text}
}

// ask speaks prompt and listens for the answer. Silence falls through to the
// redirect, which comes back as an empty turn and repeats the question.
func ask(prompt string) response {
	return response{Verbs: []any{
		gather{
			Input:         "speech",
			Action:        gatherPath,
			Method:        http.MethodPost,
			SpeechTimeout: "auto",
			Language:      voiceLanguage,
			Say:           sayVerb(prompt),
		},
		redirect{Method: http.MethodPost, URL: gatherPath},
	}}
}

func writeTwiML(w http.ResponseWriter, resp response) {
	data, err := xml.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("server: failed to encode TwiML")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(data)
}
