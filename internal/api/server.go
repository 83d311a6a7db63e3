// 包 api：集中注册 HTTP 路由（层级解析、街道发现、检测会话、草稿保存），与 UI 操作一一对应
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"territory-api/internal/backend"
	"territory-api/internal/detection"
	"territory-api/internal/geoip"
	"territory-api/internal/logger"
	"territory-api/internal/metrics"
	"territory-api/internal/model"
	"territory-api/internal/resolver"
	"territory-api/internal/store"
	"territory-api/internal/streets"

	"github.com/go-chi/chi/v5"
)

type (
	Resolver interface {
		Resolve(ctx context.Context, level model.Level, query string, parents ...model.GeoNode) ([]model.GeoNode, error)
	}
	StreetService interface {
		Discover(ctx context.Context, community, municipality, area model.GeoNode) (streets.Result, error)
		Filter(community model.GeoNode, text string) []model.Street
	}
	RunLister interface {
		RecentRuns(ctx context.Context, community string, limit int) ([]store.Run, error)
	}
)

// Deps：GeoIP/Runs 可为 nil；Country 为已配置的国家（非空时不做 IP 推断）
type Deps struct {
	Resolver      Resolver
	Streets       StreetService
	Orchestrator  *detection.Orchestrator
	Sessions      *detection.Manager
	GeoIP         *geoip.Locator
	Runs          RunLister
	Country       string
	DetectTimeout time.Duration
}

type Server struct {
	d Deps
	// bg：异步检测的父上下文，服务关闭时取消
	bg     context.Context
	cancel context.CancelFunc
}

func NewServer(d Deps) *Server {
	if d.DetectTimeout <= 0 {
		d.DetectTimeout = 10 * time.Minute
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Server{d: d, bg: bg, cancel: cancel}
}

// Close：取消所有在途的异步检测
func (s *Server) Close() { s.cancel() }

// Routes：返回挂载在 API 基础路径下的路由
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.countryHint)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.d.Sessions.Len()})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/resolve", s.handleResolve)
	r.Get("/runs", s.handleRuns)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/candidates", s.handleCandidates)
			r.Put("/selection/{level}", s.handleSelect)
			r.Get("/streets", s.handleStreets)
			r.Put("/streets", s.handleSelectStreets)
			r.Post("/detect", s.handleDetect)
			r.Post("/reset", s.handleReset)
			r.Post("/save", s.handleSave)
		})
	})
	return r
}

// countryHint：未配置国家时按访问者 IP 推断，作为地名检索改写中的国家部分
func (s *Server) countryHint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name := s.hint(r); name != "" {
			r = r.WithContext(resolver.WithCountry(r.Context(), name))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hint(r *http.Request) string {
	if s.d.Country != "" || s.d.GeoIP == nil {
		return ""
	}
	name, _ := s.d.GeoIP.Country(clientIP(r))
	return name
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*detection.Session, bool) {
	sess, err := s.d.Sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func parseLevel(w http.ResponseWriter, raw string) (model.Level, bool) {
	lv, ok := model.ParseLevel(raw)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_level", Message: "unknown level " + strconv.Quote(raw)})
	}
	return lv, ok
}

// handleResolve：无会话解析；父级按名称传入
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lv, ok := parseLevel(w, q.Get("level"))
	if !ok {
		return
	}
	var parents []model.GeoNode
	for _, k := range []string{"municipality", "area"} {
		if v := q.Get(k); v != "" {
			parents = append(parents, model.GeoNode{Name: v})
		}
	}
	nodes, err := s.d.Resolver.Resolve(r.Context(), lv, q.Get("q"), parents...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nodes})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.d.Runs == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "store_disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.d.Runs.RecentRuns(r.Context(), r.URL.Query().Get("community"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.d.Sessions.Create()
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.d.Sessions.Delete(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

// handleCandidates：以会话当前父级为上下文解析候选
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	lv, ok := parseLevel(w, r.URL.Query().Get("level"))
	if !ok {
		return
	}
	nodes, err := sess.Hierarchy().Candidates(r.Context(), lv, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nodes})
}

// handleSelect：选择某层级节点；下级选择与会话结果随之清空
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	lv, ok := parseLevel(w, chi.URLParam(r, "level"))
	if !ok {
		return
	}
	var n model.GeoNode
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.Empty() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_node", Message: "body must be a node with a name"})
		return
	}
	n.Level = lv
	h := sess.Hierarchy()
	switch lv {
	case model.LevelArea:
		h.SelectArea(r.Context(), n)
	case model.LevelMunicipality:
		h.SelectMunicipality(r.Context(), n)
	case model.LevelCommunity:
		h.SelectCommunity(r.Context(), n)
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleStreets：发现社区街道；带 q 时只做本地过滤
func (s *Server) handleStreets(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sel := sess.Hierarchy().Selection()
	if sel.Community.Empty() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_hierarchy", Message: "select a community first"})
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		if cached := s.d.Streets.Filter(sel.Community, q); cached != nil {
			writeJSON(w, http.StatusOK, map[string]any{"streets": cached, "tier": "local"})
			return
		}
	}
	res, err := s.d.Streets.Discover(r.Context(), sel.Community, sel.Municipality, sel.Area)
	if err != nil {
		writeError(w, err)
		return
	}
	out := res.Streets
	if q := r.URL.Query().Get("q"); q != "" {
		out = s.d.Streets.Filter(sel.Community, q)
	}
	if out == nil {
		out = []model.Street{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streets": out, "tier": res.Tier})
}

func (s *Server) handleSelectStreets(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Streets []model.Street `json:"streets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_body", Message: err.Error()})
		return
	}
	changed := sess.Hierarchy().SelectStreets(body.Streets)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "session": sess.Snapshot()})
}

// handleDetect：默认异步执行并返回 202；wait=true 时同步返回结果
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), s.d.DetectTimeout)
		defer cancel()
		out, err := s.d.Orchestrator.Run(ctx, sess)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	// 国家提示随请求上下文传给后台检测
	ctx := s.bg
	if c := s.hint(r); c != "" {
		ctx = resolver.WithCountry(ctx, c)
	}
	ctx, cancel := context.WithTimeout(ctx, s.d.DetectTimeout)
	go func() {
		defer cancel()
		if _, err := s.d.Orchestrator.Run(ctx, sess); err != nil && !errors.Is(err, detection.ErrSuperseded) {
			logger.L().Info("detection_async_failed", "session", sess.ID, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"session": sess.ID, "status": "started"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		sess.Reset()
		writeJSON(w, http.StatusOK, sess.Snapshot())
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := s.d.Orchestrator.Save(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type errorBody struct {
	Error    string   `json:"error"`
	Message  string   `json:"message,omitempty"`
	Stage    string   `json:"stage,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Validation：重叠校验服务的原始响应
	Validation *backend.ValidationResult `json:"validation,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError：错误分类到状态码
func writeError(w http.ResponseWriter, err error) {
	var f *detection.Failure
	var oe *backend.OverlapError
	switch {
	case errors.As(err, &oe):
		writeJSON(w, http.StatusConflict, errorBody{Error: "overlap_rejected", Message: err.Error(), Validation: &oe.Result})
	case errors.As(err, &f):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: f.KindName(), Message: f.Error(), Stage: string(f.Stage), Warnings: f.Warnings})
	case errors.Is(err, detection.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session_not_found"})
	case errors.Is(err, detection.ErrNotReady):
		writeJSON(w, http.StatusConflict, errorBody{Error: "not_ready", Message: err.Error()})
	case errors.Is(err, detection.ErrSuperseded):
		writeJSON(w, http.StatusConflict, errorBody{Error: "superseded", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timeout", Message: err.Error()})
	default:
		logger.L().Error("api_error", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream_error", Message: err.Error()})
	}
}
