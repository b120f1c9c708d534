package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
)

// SnapshotReader 读取当前快照
type SnapshotReader interface {
	Read() *domain.PriceSnapshot
}

type PricesHandler struct {
	cache      SnapshotReader
	staleAfter time.Duration
	now        func() time.Time
}

func NewPricesHandler(cache SnapshotReader, staleAfter time.Duration) *PricesHandler {
	return &PricesHandler{cache: cache, staleAfter: staleAfter, now: time.Now}
}

func (h *PricesHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/v1/prices", h.GetPrices)
}

type pricesResponse struct {
	Prices     map[string]map[string]json.Number `json:"prices"`
	Currency   string                            `json:"currency"`
	LastUpdate *time.Time                        `json:"lastUpdate"`
	Stale      bool                              `json:"stale"`
}

func (h *PricesHandler) GetPrices(c *gin.Context) {
	snap := h.cache.Read()
	resp := pricesResponse{
		Prices:   snap.WirePrices(),
		Currency: snap.Currency(),
		Stale:    snap.IsStale(h.now(), h.staleAfter),
	}
	if ts, ok := snap.LastUpdate(); ok {
		resp.LastUpdate = &ts
	}
	c.JSON(http.StatusOK, resp)
}
