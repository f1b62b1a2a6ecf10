package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stegvis/stegvis/internal/flow"
	"github.com/stegvis/stegvis/model"
)

// handleSessionStart begins a new wizard session. The endpoint is public:
// the frontend has no identity of its own, so the server mints an anonymous
// subject and returns a bearer token bound to both subject and session. All
// subsequent session calls must present that token.
func handleSessionStart(engine *flow.Engine, issuer *TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := chi.URLParam(r, "flowId")

		var body struct {
			Vars map[string]any `json:"vars"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		rctx := &model.RequestContext{
			SubjectID:     uuid.NewString(),
			Locale:        r.Header.Get("Accept-Language"),
			CorrelationID: CorrelationIDFrom(r.Context()),
		}

		sess, prompt, err := engine.Start(r.Context(), rctx, flowID, body.Vars)
		if err != nil {
			WriteError(w, err)
			return
		}

		token, err := issuer.Issue(sess.SubjectID, sess.ID)
		if err != nil {
			WriteError(w, model.NewInternalError())
			return
		}

		WriteJSON(w, http.StatusCreated, map[string]any{
			"session": sess,
			"prompt":  prompt,
			"token":   token,
		})
	}
}

func handleSessionGet(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		desc, err := engine.Get(r.Context(), rctx, sessionID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handlePromptGet(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		prompt, err := engine.Resolve(r.Context(), rctx, sessionID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, prompt)
	}
}

func handleSelect(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		var body struct {
			OptionValue string `json:"option_value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.OptionValue == "" {
			WriteError(w, model.NewValidationError([]model.FieldError{
				{Field: "option_value", Code: "required", Message: "option_value is required"},
			}))
			return
		}

		result, err := engine.Select(r.Context(), rctx, sessionID, body.OptionValue)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleInput(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		result, err := engine.Submit(r.Context(), rctx, sessionID, body.Value)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleCancel(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, sessionID, ok := sessionRequest(w, r)
		if !ok {
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		if err := engine.Cancel(r.Context(), rctx, sessionID, body.Reason); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func handleSessionList(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.SessionFilters{
			FlowID:   r.URL.Query().Get("flow_id"),
			Status:   r.URL.Query().Get("status"),
			Page:     queryInt(r, "page", 1),
			PageSize: queryInt(r, "page_size", 20),
		}

		summaries, totalCount, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

// sessionRequest pulls the request context and the sessionId path param, and
// enforces that the token presented was minted for this session.
func sessionRequest(w http.ResponseWriter, r *http.Request) (*model.RequestContext, string, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, "", false
	}
	sessionID := chi.URLParam(r, "sessionId")
	if rctx.SessionID != "" && rctx.SessionID != sessionID {
		WriteError(w, model.NewForbiddenError("token is not valid for this session"))
		return nil, "", false
	}
	return rctx, sessionID, true
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
