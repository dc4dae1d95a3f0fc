package analysis

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/claude-nexus/internal/apierrors"
	"github.com/lumenlabs/claude-nexus/internal/logger"
)

// jobStore is the job-table surface the API needs. *Store implements it.
type jobStore interface {
	Create(ctx context.Context, conversationID uuid.UUID, branchID string, customPrompt *string) (*Job, error)
	Get(ctx context.Context, conversationID uuid.UUID, branchID string) (*Job, error)
	Regenerate(ctx context.Context, conversationID uuid.UUID, branchID string, customPrompt *string) (*Job, error)
}

// API serves the analysis job endpoints.
type API struct {
	store jobStore
	log   *logger.Logger

	createPerMin int
	readPerMin   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAPI builds the handler set with per-domain rate limits.
func NewAPI(store jobStore, log *logger.Logger, createPerMin, readPerMin int) *API {
	return &API{
		store:        store,
		log:          log.WithComponent("analysis-api"),
		createPerMin: createPerMin,
		readPerMin:   readPerMin,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Register mounts the routes on the given group. Auth middleware is expected
// to already be attached by the caller.
func (a *API) Register(r gin.IRouter) {
	r.POST("/analyses", a.limit("create", a.createPerMin), a.create)
	r.GET("/analyses/:conversationId/:branchId", a.limit("read", a.readPerMin), a.get)
	r.POST("/analyses/:conversationId/:branchId/regenerate", a.limit("create", a.createPerMin), a.regenerate)
}

type createRequest struct {
	ConversationID string  `json:"conversationId" binding:"required"`
	BranchID       string  `json:"branchId"`
	CustomPrompt   *string `json:"customPrompt"`
}

func (a *API) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		apierrors.AbortWithBadRequest(c, "conversationId must be a UUID", nil)
		return
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = "main"
	}

	job, err := a.store.Create(c.Request.Context(), conversationID, branchID, req.CustomPrompt)
	if err == ErrAlreadyExists {
		existing, gerr := a.store.Get(c.Request.Context(), conversationID, branchID)
		if gerr != nil {
			a.log.LogError(c.Request.Context(), gerr, "failed to load existing analysis")
			apierrors.AbortWithInternal(c, "failed to load existing analysis", nil)
			return
		}
		apierrors.AbortWithConflict(c, "analysis already exists for this conversation and branch",
			map[string]interface{}{"analysis": existing})
		return
	}
	if err != nil {
		a.log.LogError(c.Request.Context(), err, "failed to create analysis job")
		apierrors.AbortWithInternal(c, "failed to create analysis job", nil)
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (a *API) get(c *gin.Context) {
	conversationID, branchID, ok := a.pathIDs(c)
	if !ok {
		return
	}

	job, err := a.store.Get(c.Request.Context(), conversationID, branchID)
	if err == ErrNotFound {
		apierrors.AbortWithNotFound(c, "no analysis for this conversation and branch", nil)
		return
	}
	if err != nil {
		a.log.LogError(c.Request.Context(), err, "failed to load analysis job")
		apierrors.AbortWithInternal(c, "failed to load analysis job", nil)
		return
	}

	c.JSON(http.StatusOK, job)
}

type regenerateRequest struct {
	CustomPrompt *string `json:"customPrompt"`
}

func (a *API) regenerate(c *gin.Context) {
	conversationID, branchID, ok := a.pathIDs(c)
	if !ok {
		return
	}

	var req regenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	job, err := a.store.Regenerate(c.Request.Context(), conversationID, branchID, req.CustomPrompt)
	if err == ErrProcessing {
		apierrors.AbortWithConflict(c, "analysis is currently processing, retry once it finishes", nil)
		return
	}
	if err != nil {
		a.log.LogError(c.Request.Context(), err, "failed to regenerate analysis job")
		apierrors.AbortWithInternal(c, "failed to regenerate analysis job", nil)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a *API) pathIDs(c *gin.Context) (uuid.UUID, string, bool) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		apierrors.AbortWithBadRequest(c, "conversationId must be a UUID", nil)
		return uuid.Nil, "", false
	}
	branchID := c.Param("branchId")
	if branchID == "" {
		apierrors.AbortWithBadRequest(c, "branchId is required", nil)
		return uuid.Nil, "", false
	}
	return conversationID, branchID, true
}

// limit enforces a per-domain requests-per-minute budget and reports the
// remaining allowance on every response.
func (a *API) limit(kind string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		l := a.limiter(requestDomain(c), kind, perMinute)
		now := time.Now()
		if !l.Allow() {
			apierrors.AbortWithRateLimit(c, perMinute, 0, now.Add(time.Minute))
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens())))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(now.Add(time.Minute).Unix(), 10))
		c.Next()
	}
}

func (a *API) limiter(domain, kind string, perMinute int) *rate.Limiter {
	key := domain + "|" + kind

	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		a.limiters[key] = l
	}
	return l
}

func requestDomain(c *gin.Context) string {
	host := strings.ToLower(c.Request.Host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
