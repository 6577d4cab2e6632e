// Package tradelog records every completed trade in a world-level JSONL log,
// zstd-compressed and rotated hourly. The per-agent ledgers stay the source of
// truth; this log exists for reporting across agents.
package tradelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"tradepost.ai/internal/sim/valuation"
)

// Entry is one completed trade.
type Entry struct {
	TransactionID string             `json:"transactionId"`
	NegotiationID string             `json:"negotiationId,omitempty"`
	SellerID      string             `json:"sellerId"`
	SellerName    string             `json:"sellerName"`
	BuyerID       string             `json:"buyerId"`
	BuyerName     string             `json:"buyerName"`
	Resource      valuation.Resource `json:"resource"`
	Quantity      float64            `json:"quantity"`
	PricePerUnit  float64            `json:"pricePerUnit"`
	TotalPrice    float64            `json:"totalPrice"`
	Heat          float64            `json:"heat"`
	Hot           bool               `json:"hot"`
	Session       int                `json:"session"`
	Timestamp     time.Time          `json:"timestamp"`
}

type Logger struct {
	baseDir string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func New(baseDir string) *Logger {
	return &Logger{baseDir: baseDir}
}

func (l *Logger) Write(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != l.curHour {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Logger) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	path := l.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 128*1024)
	l.curHour = hour
	return nil
}

func (l *Logger) closeLocked() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	return err
}

func (l *Logger) pathForHour(hour string) string {
	return filepath.Join(l.baseDir, fmt.Sprintf("trades-%s.jsonl.zst", hour))
}
