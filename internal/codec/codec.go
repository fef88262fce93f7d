// Package codec encodes message bodies and trade records in their fixed
// binary layouts.
//
// Every body starts with op u32 | queryID u64, followed by the op's fields
// in declaration order. Integers are big-endian; addresses are a u8 length
// followed by the address bytes; sides are a single byte. The updateProfit
// loss is a trailing u64 written only when nonzero.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/tradergate"
	"github.com/zkvault/vault-engine/internal/vault"
)

var (
	ErrShortBuffer     = errors.New("codec: short buffer")
	ErrTrailingBytes   = errors.New("codec: trailing bytes")
	ErrUnknownOpcode   = errors.New("codec: unknown opcode")
	ErrAddressTooLong  = errors.New("codec: address longer than 255 bytes")
	ErrUnsupportedBody = errors.New("codec: unsupported body")
)

// Encode serializes a body with its query id.
func Encode(queryID uint64, body ledger.Body) ([]byte, error) {
	w := &writer{}
	w.u32(uint32(body.Opcode()))
	w.u64(queryID)

	switch b := body.(type) {
	case ledger.Transfer:
		w.u64(b.Amount)
	case vault.Deposit:
		w.u64(b.Amount)
	case vault.Withdraw:
		w.u64(b.Shares)
	case vault.MirrorTrade:
		w.u8(uint8(b.Side))
		w.u64(b.Amount)
		w.addr(b.Instrument)
	case vault.UpdateProfit:
		w.u64(b.NewTotalProfit)
		if b.Loss > 0 {
			w.u64(b.Loss)
		}
	case vault.EmergencyPause:
	case tradergate.ExecuteTrade:
		w.u8(uint8(b.Side))
		w.u64(b.Amount)
		w.addr(b.Instrument)
		w.i64(b.PnL)
	case tradergate.SetVault:
		w.addr(b.Vault)
	case tradergate.WithdrawProfit:
		w.u64(b.Amount)
	case tradergate.CreditProfit:
		w.u64(b.Amount)
	case epochlog.LogTrade:
		w.u32(b.Timestamp)
		w.u8(uint8(b.Side))
		w.u64(b.Amount)
		w.addr(b.Instrument)
		w.i64(b.PnL)
	case epochlog.UpdatePerformance:
		w.i64(b.NewTotalPnL)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedBody, body)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Decode parses a body produced by Encode.
func Decode(data []byte) (uint64, ledger.Body, error) {
	r := &reader{buf: data}
	op := ledger.Opcode(r.u32())
	queryID := r.u64()
	if r.err != nil {
		return 0, nil, r.err
	}

	var body ledger.Body
	switch op {
	case ledger.OpTransfer:
		body = ledger.Transfer{Amount: r.u64()}
	case ledger.OpDeposit:
		body = vault.Deposit{Amount: r.u64()}
	case ledger.OpWithdraw:
		body = vault.Withdraw{Shares: r.u64()}
	case ledger.OpMirrorTrade:
		body = vault.MirrorTrade{Side: ledger.Side(r.u8()), Amount: r.u64(), Instrument: r.addr()}
	case ledger.OpUpdateProfit:
		up := vault.UpdateProfit{NewTotalProfit: r.u64()}
		if len(r.buf) >= 8 {
			up.Loss = r.u64()
		}
		body = up
	case ledger.OpEmergencyPause:
		body = vault.EmergencyPause{}
	case ledger.OpExecuteTrade:
		body = tradergate.ExecuteTrade{Side: ledger.Side(r.u8()), Amount: r.u64(), Instrument: r.addr(), PnL: r.i64()}
	case ledger.OpSetVault:
		body = tradergate.SetVault{Vault: r.addr()}
	case ledger.OpWithdrawProfit:
		body = tradergate.WithdrawProfit{Amount: r.u64()}
	case ledger.OpCreditProfit:
		body = tradergate.CreditProfit{Amount: r.u64()}
	case ledger.OpLogTrade:
		body = epochlog.LogTrade{Timestamp: r.u32(), Side: ledger.Side(r.u8()), Amount: r.u64(), Instrument: r.addr(), PnL: r.i64()}
	case ledger.OpUpdatePerformance:
		body = epochlog.UpdatePerformance{NewTotalPnL: r.i64()}
	default:
		return 0, nil, fmt.Errorf("%w: 0x%x", ErrUnknownOpcode, uint32(op))
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	if len(r.buf) > 0 {
		return 0, nil, fmt.Errorf("%w: %d after %s", ErrTrailingBytes, len(r.buf), op)
	}
	return queryID, body, nil
}

// EncodeRecord serializes a trade record in the layout its commitment is
// computed over.
func EncodeRecord(rec model.TradeRecord) []byte {
	return epochlog.AppendRecord(nil, rec)
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(data []byte) (model.TradeRecord, error) {
	r := &reader{buf: data}
	rec := model.TradeRecord{
		Index:     r.u64(),
		Timestamp: r.u32(),
		Side:      ledger.Side(r.u8()),
		Amount:    r.u64(),
		PnL:       r.i64(),
	}
	rec.Instrument = r.addr()
	if r.err != nil {
		return model.TradeRecord{}, r.err
	}
	if len(r.buf) > 0 {
		return model.TradeRecord{}, fmt.Errorf("%w: %d after record", ErrTrailingBytes, len(r.buf))
	}
	return rec, nil
}

// writer accumulates big-endian fields, keeping the first error.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) addr(a ledger.Address) {
	if len(a) > 255 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d", ErrAddressTooLong, len(a))
		}
		return
	}
	w.u8(uint8(len(a)))
	w.buf = append(w.buf, a...)
}

// reader consumes big-endian fields. After the first short read every
// call returns zero and err stays set.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) addr() ledger.Address {
	n := int(r.u8())
	if b := r.take(n); b != nil {
		return ledger.Address(b)
	}
	return ""
}
