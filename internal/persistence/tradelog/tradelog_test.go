package tradelog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"tradepost.ai/internal/sim/valuation"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	entries := []Entry{
		{TransactionID: "txn_1", SellerID: "a", BuyerID: "b", Resource: valuation.R1, Quantity: 40, PricePerUnit: 5, TotalPrice: 200, Heat: 120, Hot: true, Timestamp: time.Now().UTC()},
		{TransactionID: "txn_2", SellerID: "b", BuyerID: "c", Resource: valuation.R4, Quantity: 10, PricePerUnit: 7.5, TotalPrice: 75, Timestamp: time.Now().UTC()},
	}
	for _, e := range entries {
		if err := l.Write(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "trades-*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v err=%v, want exactly one", matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []Entry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || got[0].TransactionID != "txn_1" || got[1].TransactionID != "txn_2" {
		t.Fatalf("read back %+v", got)
	}
	if !got[0].Hot || got[0].Heat != 120 {
		t.Fatalf("entry fields lost: %+v", got[0])
	}
}
