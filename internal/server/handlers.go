package server

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/allyourbase/smsbatch/internal/campaign"
	"github.com/allyourbase/smsbatch/internal/credentials"
	"github.com/allyourbase/smsbatch/internal/dispatch"
	"github.com/allyourbase/smsbatch/internal/httputil"
	"github.com/allyourbase/smsbatch/internal/phone"
	"github.com/allyourbase/smsbatch/internal/recipients"
	"github.com/allyourbase/smsbatch/internal/sms"
)

// multipartOverhead is the slack allowed on top of extract.max_file_size for
// multipart boundaries and headers.
const multipartOverhead = 64 << 10

type recipientsResponse struct {
	Counts     phone.Counts        `json:"counts"`
	Recipients []recipients.Record `json:"recipients"`
}

func (s *Server) recipientsBody() recipientsResponse {
	recs, _ := s.sess.Registry().Snapshot()
	return recipientsResponse{Counts: s.sess.Registry().Counts(), Recipients: recs}
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.recipientsBody())
}

// handleParseRecipients replaces the registry with the numbers found in the
// request: either a multipart upload in field "file" or a raw text body.
func (s *Server) handleParseRecipients(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Extract.MaxFileSizeBytes()

	var src io.Reader
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		f, _, err := r.FormFile("file")
		if err != nil {
			s.sess.Reset()
			httputil.WriteFieldError(w, http.StatusBadRequest, "parse error", "file", "missing", "multipart field \"file\" is required")
			return
		}
		defer f.Close()
		src = f
	} else {
		src = r.Body
	}

	if _, err := s.sess.ParseReader(src); err != nil {
		if errors.Is(err, phone.ErrParse) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("parsing recipients", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.recipientsBody())
}

func (s *Server) handleResetRecipients(w http.ResponseWriter, r *http.Request) {
	s.sess.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Message string `json:"message"`
}

type sendResponse struct {
	BatchID    string `json:"batch_id"`
	Recipients int    `json:"recipients"`
	TooLong    bool   `json:"too_long"`
}

// handleSend starts a batch in the background and answers 202. Progress is
// visible through GET /api/recipients and GET /api/events.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	n := s.sess.Registry().Len()
	id, err := s.sess.StartSend(s.batchCtx, req.Message)
	if err != nil {
		if errors.Is(err, dispatch.ErrSendDisabled) {
			httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("starting batch", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, sendResponse{
		BatchID:    id,
		Recipients: n,
		TooLong:    sms.MessageTooLong(req.Message),
	})
}

type settingsResponse struct {
	credentials.Credentials
	Configured bool `json:"configured"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	c, err := s.sess.Settings(r.Context())
	if err != nil {
		s.logger.Error("loading settings", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not load settings")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settingsResponse{Credentials: c.Masked(), Configured: c.Configured()})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var c credentials.Credentials
	if !httputil.DecodeJSON(w, r, &c) {
		return
	}
	if err := s.sess.SaveSettings(r.Context(), c); err != nil {
		if errors.Is(err, campaign.ErrConfiguration) {
			field := missingField(c)
			httputil.WriteFieldError(w, http.StatusBadRequest, err.Error(), field, "required", field+" is required")
			return
		}
		s.logger.Error("saving settings", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not save settings")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settingsResponse{Credentials: c.Masked(), Configured: c.Configured()})
}

// missingField names the first empty credential field.
func missingField(c credentials.Credentials) string {
	switch {
	case c.FromNumber == "":
		return credentials.KeyFromNumber
	case c.AccountSID == "":
		return credentials.KeyAccountSID
	default:
		return credentials.KeyAuthToken
	}
}
