package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

const (
	usage            = "Usage: /moaa project=<project-id> title=\"short title\" <description of the change>"
	defaultTitleLen  = 80
	maxSignatureSkew = 5 * time.Minute
	maxBodyBytes     = 1 << 20
)

type Submitter interface {
	Submit(ctx context.Context, userID string, req jobs.CreateChangeRequest) (model.ChangeRequest, error)
}

type Reviewer interface {
	Approve(ctx context.Context, userID, id string) (model.ChangeRequest, error)
	Reject(ctx context.Context, userID, id string) (model.ChangeRequest, error)
}

// Server accepts slash commands and button clicks. Slack user ids act as
// owner ids, so a project registered by U123 is reviewable from Slack by U123.
type Server struct {
	signingSecret string
	intake        Submitter
	reviews       Reviewer
	now           func() time.Time
}

func NewServer(signingSecret string, intake Submitter, reviews Reviewer) *Server {
	return &Server{signingSecret: signingSecret, intake: intake, reviews: reviews, now: time.Now}
}

// Register mounts the Slack endpoints on r.
func (s *Server) Register(r chi.Router) {
	r.Route("/slack", func(r chi.Router) {
		r.Use(s.verify)
		r.Post("/commands", s.handleSlashCommand)
		r.Post("/interactions", s.handleInteractions)
	})
}

func (s *Server) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if !s.verifyRequest(r, body) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSlashCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req, err := parseCommandText(r.Form.Get("text"))
	if err != nil {
		reply(w, usage)
		return
	}
	userID := r.Form.Get("user_id")
	cr, err := s.intake.Submit(r.Context(), userID, req)
	if err != nil {
		s.replyError(w, "submit", err)
		return
	}
	reply(w, fmt.Sprintf("Change request `%s` queued. Status updates will follow in the channel.", cr.ID))
}

type interactionPayload struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	payload := r.Form.Get("payload")
	if payload == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	var p interactionPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(p.Actions) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	a := p.Actions[0]
	var (
		cr  model.ChangeRequest
		err error
	)
	switch a.ActionID {
	case ActionApprove:
		cr, err = s.reviews.Approve(r.Context(), p.User.ID, a.Value)
	case ActionReject:
		cr, err = s.reviews.Reject(r.Context(), p.User.ID, a.Value)
	default:
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.replyError(w, a.ActionID, err)
		return
	}
	reply(w, fmt.Sprintf("Change request `%s` is now `%s`.", cr.ID, cr.Status))
}

// replyError answers user mistakes in-channel and hides internal failures.
func (s *Server) replyError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrInvalidTransition):
		reply(w, "Request rejected: "+observability.Redact(err.Error()))
	default:
		observability.Error("slack_action_failed", observability.Fields{
			"op":         op,
			"error_kind": model.Kind(err),
			"error":      err,
		})
		http.Error(w, "action failed", http.StatusInternalServerError)
	}
}

func reply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"response_type": "ephemeral", "text": text})
}

func parseCommandText(text string) (jobs.CreateChangeRequest, error) {
	var req jobs.CreateChangeRequest
	var words []string
	for _, token := range splitTokens(text) {
		switch {
		case strings.HasPrefix(token, "project="):
			req.ProjectID = strings.TrimPrefix(token, "project=")
		case strings.HasPrefix(token, "title="):
			req.Title = strings.Trim(strings.TrimPrefix(token, "title="), "\"")
		default:
			words = append(words, strings.Trim(token, "\""))
		}
	}
	req.Description = strings.Join(words, " ")
	if req.ProjectID == "" || req.Description == "" {
		return jobs.CreateChangeRequest{}, fmt.Errorf("project and description are required")
	}
	if req.Title == "" {
		req.Title = defaultTitle(req.Description)
	}
	return req, nil
}

func defaultTitle(desc string) string {
	if utf8.RuneCountInString(desc) <= defaultTitleLen {
		return desc
	}
	return string([]rune(desc)[:defaultTitleLen-3]) + "..."
}

func splitTokens(s string) []string {
	vals := make([]string, 0)
	cur := strings.Builder{}
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ' ', '\t', '\n':
			if inQuotes {
				cur.WriteRune(r)
				continue
			}
			if cur.Len() > 0 {
				vals = append(vals, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		vals = append(vals, cur.String())
	}
	return vals
}

// verifyRequest rejects everything when no signing secret is configured.
func (s *Server) verifyRequest(r *http.Request, body []byte) bool {
	if s.signingSecret == "" {
		return false
	}
	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := s.now().Sub(time.Unix(ts, 0)); d > maxSignatureSkew || d < -maxSignatureSkew {
		return false
	}
	return hmac.Equal([]byte(Sign(s.signingSecret, timestamp, body)), []byte(signature))
}

// Sign computes the v0 request signature Slack sends in X-Slack-Signature.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte("v0:" + timestamp + ":"))
	_, _ = h.Write(body)
	return "v0=" + hex.EncodeToString(h.Sum(nil))
}
