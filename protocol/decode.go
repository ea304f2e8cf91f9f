package protocol

import (
	"encoding/json"
	"fmt"
)

// decode unmarshals e.Payload into v, reporting a descriptive error on
// mismatch so callers can classify it as a validation failure.
func decode(e *Envelope, v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: empty payload for kind %q", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode payload for kind %q: %w", e.Kind, err)
	}
	return nil
}

func DecodeHello(e *Envelope) (HelloPayload, error) {
	var p HelloPayload
	err := decode(e, &p)
	return p, err
}

func DecodeReject(e *Envelope) (RejectPayload, error) {
	var p RejectPayload
	err := decode(e, &p)
	return p, err
}

func DecodeOffer(e *Envelope) (OfferPayload, error) {
	var p OfferPayload
	err := decode(e, &p)
	return p, err
}

func DecodeAccept(e *Envelope) (AcceptPayload, error) {
	var p AcceptPayload
	err := decode(e, &p)
	return p, err
}

func DecodeChunk(e *Envelope) (ChunkPayload, error) {
	var p ChunkPayload
	err := decode(e, &p)
	return p, err
}

func DecodeAck(e *Envelope) (AckPayload, error) {
	var p AckPayload
	err := decode(e, &p)
	return p, err
}

func DecodeNack(e *Envelope) (NackPayload, error) {
	var p NackPayload
	err := decode(e, &p)
	return p, err
}

func DecodeComplete(e *Envelope) (CompletePayload, error) {
	var p CompletePayload
	err := decode(e, &p)
	return p, err
}

func DecodeCompleteAck(e *Envelope) (CompleteAckPayload, error) {
	var p CompleteAckPayload
	err := decode(e, &p)
	return p, err
}

func DecodeResumeReq(e *Envelope) (ResumeReqPayload, error) {
	var p ResumeReqPayload
	err := decode(e, &p)
	return p, err
}

func DecodeResumeState(e *Envelope) (ResumeStatePayload, error) {
	var p ResumeStatePayload
	err := decode(e, &p)
	return p, err
}

func DecodeCancel(e *Envelope) (CancelPayload, error) {
	var p CancelPayload
	err := decode(e, &p)
	return p, err
}

func DecodeStatePatch(e *Envelope) (StatePatchPayload, error) {
	var p StatePatchPayload
	err := decode(e, &p)
	return p, err
}

func DecodeStateSnapshot(e *Envelope) (StateSnapshotPayload, error) {
	var p StateSnapshotPayload
	err := decode(e, &p)
	return p, err
}

// Encode marshals v as the Payload of a new Envelope with the given kind,
// leaving Magic/TS/Nonce/Room/FromStreamID/MAC for the caller to fill in.
func Encode(kind Kind, v any) (*Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload for kind %q: %w", kind, err)
	}
	return &Envelope{Magic: Magic, Kind: kind, Payload: b}, nil
}
