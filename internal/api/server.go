// Package api 通过 HTTP 提供作业记录的读取与提交，并经 websocket 推送新记录。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"c2dagent/internal/attestation"
	"c2dagent/internal/coordinator"
	"c2dagent/internal/logging"
	"c2dagent/internal/recorder"
)

// Reader 是记录器的读取面。
type Reader interface {
	GetJob(ctx context.Context, jobID string) (recorder.JobRecord, error)
	GetHistory(ctx context.Context) (recorder.JobHistory, error)
}

// JobRunner 执行经 HTTP 提交的作业。
type JobRunner interface {
	Run(ctx context.Context, req coordinator.JobRequest) coordinator.JobResult
}

// Server 持有 HTTP 处理器及其依赖。
type Server struct {
	ctx    context.Context
	reader Reader
	runner JobRunner
	hub    *Hub
	log    logging.Logger
	wg     sync.WaitGroup
}

// NewServer 创建 API 服务；runner 为 nil 时禁用提交，经 HTTP 启动的作业运行在 ctx 之下。
func NewServer(ctx context.Context, reader Reader, runner JobRunner, hub *Hub, log logging.Logger) *Server {
	return &Server{
		ctx:    ctx,
		reader: reader,
		runner: runner,
		hub:    hub,
		log:    logging.Default(log),
	}
}

// Routes 在新的 mux 上注册全部路由。
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.Health)
	mux.HandleFunc("GET /api/jobs", s.ListJobs)
	mux.HandleFunc("POST /api/jobs", s.SubmitJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.GetJob)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	return mux
}

// Wait 阻塞到所有经 HTTP 启动的作业结束。
func (s *Server) Wait() {
	s.wg.Wait()
}

// Health 是存活探测。
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListJobs 返回滚动历史，?limit=N 截断列表。
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	hist, err := s.reader.GetHistory(r.Context())
	if err != nil {
		s.log.Errorf("load history: %v", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if n < len(hist.Jobs) {
			hist.Jobs = hist.Jobs[:n]
		}
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetJob 返回单个作业的完整记录，不存在时返回 404。
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.reader.GetJob(r.Context(), id)
	if errors.Is(err, recorder.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Errorf("load job %s: %v", id, err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SubmitJob 校验请求后在后台启动作业，响应携带服务端生成的作业 ID。
// 请求中的 jobId 被忽略，同一 ID 不会被两个作业共用。
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "job submission is disabled", http.StatusNotImplemented)
		return
	}
	var req coordinator.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := attestation.ValidateSubject(req.SubjectID); err != nil {
		writeJSON(w, http.StatusBadRequest, err)
		return
	}
	req.JobID = coordinator.NewJobID()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.runner.Run(s.ctx, req)
		s.log.Infof("job %s finished with status %s", res.JobID, res.Status)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": req.JobID, "status": string(coordinator.StatusRunning)})
}

// writeJSON 以给定状态码写出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
