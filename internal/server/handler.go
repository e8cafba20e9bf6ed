package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/sf19-97/SPtraderB-sub003/internal/series"
)

// BarSource is the read side of the aggregate store the API serves
// from.
type BarSource interface {
	Bars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
}

type Handler struct {
	bars   BarSource
	logger logger.Logger
}

// NewHandler builds the consumer API:
//
//	GET /health
//	GET /candles?symbol=&timeframe=&from=&to=
//
// Candles come back as a versioned envelope, bars ascending.
func NewHandler(bars BarSource, logger logger.Logger) http.Handler {
	h := &Handler{bars: bars, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /candles", h.candles)
	return mux
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) candles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	tf := model.Timeframe(q.Get("timeframe"))
	if symbol == "" || tf == "" {
		http.Error(w, "symbol and timeframe are required", http.StatusBadRequest)
		return
	}
	if _, err := tf.Duration(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		http.Error(w, "from must be RFC3339", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		http.Error(w, "to must be RFC3339", http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	bars, err := h.bars.Bars(r.Context(), symbol, tf, from, to)
	if err != nil {
		h.logger.Errorf("%s: can't load %s %s bars", err, symbol, tf)
		http.Error(w, "can't load bars", http.StatusInternalServerError)
		return
	}

	body, err := sonic.Marshal(series.New(symbol, tf, bars))
	if err != nil {
		h.logger.Errorf("%s: can't encode envelope", err)
		http.Error(w, "can't encode envelope", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
