package feed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"github.com/shopspring/decimal"
	"github.com/ulikunitz/xz/lzma"
)

// Each bi5 record is 20 bytes, big-endian:
// u32 ms offset from the hour start, u32 ask, u32 bid, f32 ask volume, f32 bid volume.
const _recordSize = 20

const _sizeScale = 1_000_000

// priceExponent returns the decimal exponent of the upstream integer
// price representation. JPY-quoted pairs carry 3 decimal places, all
// others 5.
func priceExponent(symbol string) int32 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return -3
	}
	return -5
}

// DecodeHour decompresses and parses one bi5 hour file. hourStart is the
// UTC start of the hour the file covers. An empty payload decodes to an
// empty slice: that is a confirmed zero-activity hour, not an error.
func DecodeHour(compressed []byte, symbol string, hourStart time.Time) ([]model.Tick, error) {
	if len(compressed) == 0 {
		return nil, nil
	}

	r, err := lzma.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedChunk, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedChunk, err)
	}
	if len(raw)%_recordSize != 0 {
		return nil, fmt.Errorf("%w: payload length %d not a multiple of record size", ErrMalformedChunk, len(raw))
	}

	exp := priceExponent(symbol)
	ticks := make([]model.Tick, 0, len(raw)/_recordSize)
	for i := 0; i+_recordSize <= len(raw); i += _recordSize {
		rec := raw[i : i+_recordSize]
		msOffset := binary.BigEndian.Uint32(rec[0:4])
		askRaw := binary.BigEndian.Uint32(rec[4:8])
		bidRaw := binary.BigEndian.Uint32(rec[8:12])
		askVol := math.Float32frombits(binary.BigEndian.Uint32(rec[12:16]))
		bidVol := math.Float32frombits(binary.BigEndian.Uint32(rec[16:20]))

		if msOffset >= uint32(time.Hour/time.Millisecond) {
			return nil, fmt.Errorf("%w: ms offset %d outside hour", ErrMalformedChunk, msOffset)
		}
		if askRaw == 0 || bidRaw == 0 {
			// Rejected per-record, the rest of the chunk continues.
			continue
		}

		ticks = append(ticks, model.Tick{
			Symbol:  symbol,
			Ts:      hourStart.Add(time.Duration(msOffset) * time.Millisecond),
			Ask:     decimal.New(int64(askRaw), exp),
			Bid:     decimal.New(int64(bidRaw), exp),
			AskSize: int64(askVol * _sizeScale),
			BidSize: int64(bidVol * _sizeScale),
		})
	}

	return ticks, nil
}
