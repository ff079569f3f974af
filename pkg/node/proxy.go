package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/client"
	"github.com/vantage6/vantage6/pkg/log"
)

// proxy is the endpoint algorithm containers talk to. It forwards their
// container token to the coordinator and does the crypto they cannot:
// inputs of child tasks are encrypted per recipient organization, results
// addressed to this organization are decrypted before they leave the
// node.
type proxy struct {
	agent  *Agent
	logger zerolog.Logger
}

func newProxy(a *Agent) *proxy {
	return &proxy{agent: a, logger: log.WithComponent("proxy")}
}

func (p *proxy) serve(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/task", p.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/task/{id:[0-9]+}", p.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/result", p.handleResults).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	p.logger.Info().Str("addr", addr).Msg("algorithm proxy listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// upstream builds a coordinator client carrying the caller's container
// token.
func (p *proxy) upstream(r *http.Request) (*client.Client, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 8 || auth[:7] != "Bearer " {
		return nil, false
	}
	return client.NewContainerClient(p.agent.cfg.ServerURL, auth[7:]), true
}

func (p *proxy) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *proxy) writeError(w http.ResponseWriter, err error) {
	for _, status := range []int{400, 401, 403, 404} {
		if client.IsStatus(err, status) {
			p.writeJSON(w, status, map[string]string{"msg": err.Error()})
			return
		}
	}
	p.writeJSON(w, http.StatusBadGateway, map[string]string{"msg": err.Error()})
}

// handleCreateTask accepts a child task with cleartext per-organization
// inputs, encrypts each input for its recipient, and submits it under the
// caller's container token.
func (p *proxy) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	up, ok := p.upstream(r)
	if !ok {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "missing bearer token"})
		return
	}

	var sub client.TaskSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "malformed task"})
		return
	}

	for i, org := range sub.Organizations {
		key := ""
		if p.agent.encrypted {
			var err error
			if key, err = p.agent.initiatorKey(r.Context(), org.ID); err != nil {
				p.logger.Error().Err(err).Int("organization_id", org.ID).Msg("no recipient key")
				p.writeJSON(w, http.StatusBadRequest,
					map[string]string{"msg": "no public key for organization " + strconv.Itoa(org.ID)})
				return
			}
		}
		enc, err := p.agent.cryptor.Encrypt([]byte(org.Input), key)
		if err != nil {
			p.logger.Error().Err(err).Int("organization_id", org.ID).Msg("input encryption failed")
			p.writeJSON(w, http.StatusInternalServerError,
				map[string]string{"msg": "input encryption failed"})
			return
		}
		sub.Organizations[i].Input = enc
	}

	task, err := up.CreateTask(r.Context(), &sub)
	if err != nil {
		p.writeError(w, err)
		return
	}
	p.writeJSON(w, http.StatusCreated, task)
}

func (p *proxy) handleGetTask(w http.ResponseWriter, r *http.Request) {
	up, ok := p.upstream(r)
	if !ok {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "missing bearer token"})
		return
	}
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	task, err := up.GetTask(r.Context(), id)
	if err != nil {
		p.writeError(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, task)
}

// handleResults forwards a result query and decrypts each payload with the
// node's private key, so the algorithm sees cleartext. Results this node
// cannot decrypt are passed through untouched.
func (p *proxy) handleResults(w http.ResponseWriter, r *http.Request) {
	up, ok := p.upstream(r)
	if !ok {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "missing bearer token"})
		return
	}
	taskID, err := strconv.Atoi(r.URL.Query().Get("task_id"))
	if err != nil {
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "task_id is required"})
		return
	}

	results, err := up.Results(r.Context(), taskID)
	if err != nil {
		p.writeError(w, err)
		return
	}

	for i := range results {
		payload := results[i].Result
		if results[i].BlobStored && payload != "" {
			body, berr := up.DownloadBlob(r.Context(), payload)
			if berr != nil {
				p.logger.Warn().Err(berr).Str("blob_id", payload).Msg("blob fetch failed")
				continue
			}
			raw, rerr := io.ReadAll(body)
			body.Close()
			if rerr != nil {
				continue
			}
			payload = string(raw)
			results[i].BlobStored = false
		}
		if payload == "" {
			continue
		}
		plain, derr := p.agent.cryptor.Decrypt(payload)
		if derr != nil {
			p.logger.Debug().Int("run_id", results[i].RunID).Msg("result not addressed to this node")
			continue
		}
		results[i].Result = base64.StdEncoding.EncodeToString(plain)
	}
	p.writeJSON(w, http.StatusOK, results)
}
