// This is a http type of reporter.
// It fetches data from the order store / progress bus / verifier
// and publishes on the http routes.

package reporter

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/orderstore"
	"github.com/TEENet-io/swap-go/stream"
	"github.com/TEENet-io/swap-go/verifier"
)

const (
	ROUTE_HELLO   = "/hello"
	ROUTE_STATUS  = "/status"
	ROUTE_EVENTS  = "/events"
	ROUTE_RECEIPT = "/receipt"
	ROUTE_VERIFY  = "/verify"
)

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream data sources
	store    *orderstore.Store
	bus      *stream.Bus
	verifier *verifier.Verifier
}

func NewHttpReporter(serverIP, serverPort string, store *orderstore.Store, bus *stream.Bus, v *verifier.Verifier) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		store:      store,
		bus:        bus,
		verifier:   v,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.Default()

	router.GET(ROUTE_HELLO, Hello)
	router.GET(ROUTE_STATUS, h.Status)
	router.GET(ROUTE_EVENTS, h.Events)
	router.GET(ROUTE_RECEIPT, h.Receipt)
	router.GET(ROUTE_VERIFY, h.Verify)

	return router
}

// Hook up router & ip:port
func (h *HttpReporter) Run() {
	router := h.SetupRouter()
	address := h.serverIP + ":" + h.serverPort
	if err := router.Run(address); err != nil {
		panic(err)
	}
}

// Example route.
func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

func orderIDParam(c *gin.Context) ([32]byte, bool) {
	idStr := c.Query("order_id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id must be provided"})
		return [32]byte{}, false
	}
	return common.HexStrToBytes32(idStr), true
}

// Status publishes the stored order record. The held secret is never
// served; only the tx trail and amounts are public.
func (h *HttpReporter) Status(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}

	o, found, err := h.store.GetOrder(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": publicOrder(o)})
}

// Events replays progress events with seq > since for one order.
func (h *HttpReporter) Events(c *gin.Context) {
	idStr := c.Query("order_id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id must be provided"})
		return
	}

	since := uint64(0)
	if s := c.Query("since"); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a number"})
			return
		}
		since = parsed
	}

	events := h.bus.EventsSince(common.Prepend0xPrefix(idStr), since)
	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (h *HttpReporter) Receipt(c *gin.Context) {
	idStr := c.Query("order_id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id must be provided"})
		return
	}

	r, ok := h.bus.GetReceipt(common.Prepend0xPrefix(idStr))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no receipt found (order not terminal or past retention)"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": r})
}

func (h *HttpReporter) Verify(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}

	report, err := h.verifier.Verify(c.Request.Context(), id)
	if err == verifier.ErrOrderNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

// publicOrder strips fields that must not leave the coordinator.
func publicOrder(o *orderstore.Order) gin.H {
	return gin.H{
		"order_id":        o.IDHex(),
		"secret_hash":     o.SecretHash.Hex(),
		"status":          string(o.Status),
		"partial_fills":   o.PartialFills,
		"side_a":          o.SideA,
		"side_b":          o.SideB,
		"created_at_ms":   o.CreatedAtMs,
		"expires_at_ms":   o.ExpiresAtMs,
		"secret_revealed": o.SecretRevealed,
		"fail_reason":     o.FailReason,
	}
}
