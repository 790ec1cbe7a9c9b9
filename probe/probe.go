// Package probe defines the transaction-level interface to a debug probe.
//
// A probe backend turns the operations below into vendor wire traffic
// (CMSIS-DAP, ST-Link, J-Link, ...). Everything above this interface is
// backend-agnostic: the DP/AP layers only ever see register transfers and
// the acknowledgement codes they produced.
package probe

import (
	"context"
	"fmt"
)

// Protocol selects the electrical protocol used to talk to the target.
type Protocol uint8

const (
	ProtocolSWD Protocol = iota
	ProtocolJTAG
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSWD:
		return "SWD"
	case ProtocolJTAG:
		return "JTAG"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// Op is the direction of a register transfer.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

// Request is a single DP or AP register transfer.
// Reg is the register address within the port, must be word-aligned.
type Request struct {
	Op   Op
	AP   bool
	Reg  uint8
	Data uint32 // writes only
}

// Ack is the acknowledgement returned by the target for a transfer.
// Values match the SWD wire encoding.
type Ack uint8

const (
	AckOK    Ack = 1
	AckWait  Ack = 2
	AckFault Ack = 4
	AckNoAck Ack = 7
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	case AckNoAck:
		return "NOACK"
	}
	return fmt.Sprintf("Ack(%d)", uint8(a))
}

// Result describes the outcome of a (possibly multi-transfer) request.
// Completed is the number of transfers acknowledged OK before the sequence
// stopped. Data holds one word per completed read.
type Result struct {
	Ack       Ack
	Completed int
	Data      []uint32
}

func (r *Result) Ok() bool {
	return r.Ack == AckOK
}

// Probe is the transaction-level probe interface consumed by the debug
// access layer. Implementations do not retry WAIT acknowledgements; busy
// handling policy belongs to the layer above.
//
// A Probe is owned by exactly one Session and is not safe for concurrent
// use; SWD/JTAG transactions are inherently sequential on the wire.
type Probe interface {
	// SetProtocol selects SWD or JTAG and performs whatever connect
	// handshake the backend needs.
	SetProtocol(ctx context.Context, p Protocol) error
	// SetSpeedHz sets the interface clock.
	SetSpeedHz(ctx context.Context, hz uint32) error
	// AssertReset drives the target reset line.
	AssertReset(ctx context.Context, assert bool) error
	// SWJSequence clocks out numBits raw bits (line resets, protocol
	// switch sequences).
	SWJSequence(ctx context.Context, numBits int, data []byte) error

	// Transfer executes the requests in order, stopping at the first
	// transfer not acknowledged OK. The error return is reserved for
	// probe/transport failures; protocol acknowledgements are reported
	// through Result.Ack.
	Transfer(ctx context.Context, reqs []Request) (*Result, error)

	// BlockRead reads the same register n times (DRW with address
	// auto-increment). n must not exceed BlockMaxSize.
	BlockRead(ctx context.Context, ap bool, reg uint8, n int) (*Result, error)
	// BlockWrite writes the given words to the same register.
	BlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) (*Result, error)
	// BlockMaxSize is the largest transfer count a single block
	// operation can carry.
	BlockMaxSize() int

	Close(ctx context.Context) error
}
