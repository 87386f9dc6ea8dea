package cluster

import "github.com/CESNET/fdistdump/internal/xerr"

// ControlOp is the single-byte opcode carried by every TagControl
// message (spec §4.D/§5): a stop hint once the coordinator's global
// limit is reached, or a collective abort on fatal error.
type ControlOp byte

const (
	// OpStop asks a still-streaming worker to finish its current
	// batch, flush end-of-stream, and release resources (spec §5:
	// "the coordinator broadcasts a stop hint").
	OpStop ControlOp = iota + 1
	// OpAbort asks every participant to drain and exit immediately
	// (spec §5/§7: "on fatal error anywhere, a cancel is broadcast").
	OpAbort
)

// EncodeControl packs op and an optional human-readable reason (used
// by OpAbort to carry the triggering error) into a TagControl body.
func EncodeControl(op ControlOp, reason string) []byte {
	return append([]byte{byte(op)}, []byte(reason)...)
}

// DecodeControl is the symmetric reader side of EncodeControl.
func DecodeControl(body []byte) (op ControlOp, reason string, err error) {
	if len(body) == 0 {
		return 0, "", xerr.New(xerr.KindTransport, "control: empty message body")
	}
	return ControlOp(body[0]), string(body[1:]), nil
}
