package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jech/mtracker/hash"
)

// ProtocolID is the magic constant that starts every connect request.
const ProtocolID uint64 = 0x41727101980

type Action uint32

const (
	ActionConnect  Action = 0
	ActionAnnounce Action = 1
	ActionScrape   Action = 2
	ActionError    Action = 3
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionAnnounce:
		return "announce"
	case ActionScrape:
		return "scrape"
	case ActionError:
		return "error"
	default:
		return fmt.Sprintf("unknown action %d", uint32(a))
	}
}

const (
	ConnectSize                = 16
	AnnounceRequestSize        = 98
	AnnounceResponseHeaderSize = 20
	ErrorHeaderSize            = 8
)

var (
	ErrShort      = errors.New("packet too short")
	ErrProtocolID = errors.New("bad protocol id")
	ErrAction     = errors.New("unexpected action")
)

func checkAction(got Action, want Action) error {
	if got != want {
		return fmt.Errorf("%w %v", ErrAction, got)
	}
	return nil
}

// ParseHeader returns the action and transaction id of a reply.
func ParseHeader(p []byte) (Action, uint32, error) {
	if len(p) < 8 {
		return 0, 0, ErrShort
	}
	return Action(binary.BigEndian.Uint32(p[0:4])),
		binary.BigEndian.Uint32(p[4:8]), nil
}

// ConnectRequest is the first packet of the protocol.
type ConnectRequest struct {
	TransactionID uint32
}

func (r ConnectRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, ConnectSize)
	b = binary.BigEndian.AppendUint64(b, ProtocolID)
	b = binary.BigEndian.AppendUint32(b, uint32(ActionConnect))
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	return b, nil
}

func (r *ConnectRequest) UnmarshalBinary(p []byte) error {
	if len(p) < ConnectSize {
		return ErrShort
	}
	if binary.BigEndian.Uint64(p[0:8]) != ProtocolID {
		return ErrProtocolID
	}
	err := checkAction(Action(binary.BigEndian.Uint32(p[8:12])),
		ActionConnect)
	if err != nil {
		return err
	}
	r.TransactionID = binary.BigEndian.Uint32(p[12:16])
	return nil
}

// ConnectResponse carries the connection id to use for announces.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

func (r ConnectResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, ConnectSize)
	b = binary.BigEndian.AppendUint32(b, uint32(ActionConnect))
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	b = binary.BigEndian.AppendUint64(b, r.ConnectionID)
	return b, nil
}

func (r *ConnectResponse) UnmarshalBinary(p []byte) error {
	if len(p) < ConnectSize {
		return ErrShort
	}
	err := checkAction(Action(binary.BigEndian.Uint32(p[0:4])),
		ActionConnect)
	if err != nil {
		return err
	}
	r.TransactionID = binary.BigEndian.Uint32(p[4:8])
	r.ConnectionID = binary.BigEndian.Uint64(p[8:16])
	return nil
}

// announceHeader is the fixed part of an announce request, in wire order.
type announceHeader struct {
	ConnectionID  uint64
	Action        uint32
	TransactionID uint32
	InfoHash      hash.Hash
	PeerID        [20]byte
	Downloaded    int64
	Left          int64
	Uploaded      int64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

// AnnounceRequest is a client's announce.  Options holds whatever follows
// the fixed part (BEP 41 extensions), which is relayed verbatim.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      hash.Hash
	PeerID        [20]byte
	Downloaded    int64
	Left          int64
	Uploaded      int64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
	Options       []byte
}

func (r AnnounceRequest) MarshalBinary() ([]byte, error) {
	w := bytes.NewBuffer(make([]byte, 0, AnnounceRequestSize+len(r.Options)))
	h := announceHeader{
		ConnectionID:  r.ConnectionID,
		Action:        uint32(ActionAnnounce),
		TransactionID: r.TransactionID,
		InfoHash:      r.InfoHash,
		PeerID:        r.PeerID,
		Downloaded:    r.Downloaded,
		Left:          r.Left,
		Uploaded:      r.Uploaded,
		Event:         r.Event,
		IP:            r.IP,
		Key:           r.Key,
		NumWant:       r.NumWant,
		Port:          r.Port,
	}
	err := binary.Write(w, binary.BigEndian, &h)
	if err != nil {
		return nil, err
	}
	w.Write(r.Options)
	return w.Bytes(), nil
}

func (r *AnnounceRequest) UnmarshalBinary(p []byte) error {
	if len(p) < AnnounceRequestSize {
		return ErrShort
	}
	var h announceHeader
	err := binary.Read(bytes.NewReader(p[:AnnounceRequestSize]),
		binary.BigEndian, &h)
	if err != nil {
		return err
	}
	err = checkAction(Action(h.Action), ActionAnnounce)
	if err != nil {
		return err
	}
	*r = AnnounceRequest{
		ConnectionID:  h.ConnectionID,
		TransactionID: h.TransactionID,
		InfoHash:      h.InfoHash,
		PeerID:        h.PeerID,
		Downloaded:    h.Downloaded,
		Left:          h.Left,
		Uploaded:      h.Uploaded,
		Event:         h.Event,
		IP:            h.IP,
		Key:           h.Key,
		NumWant:       h.NumWant,
		Port:          h.Port,
	}
	if len(p) > AnnounceRequestSize {
		r.Options = append([]byte(nil), p[AnnounceRequestSize:]...)
	}
	return nil
}

// AnnounceResponse is a tracker's reply to an announce.  Peers is in
// compact format.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []byte
}

// PeerCount returns the number of IPv4 peers in the reply.
func (r AnnounceResponse) PeerCount() int {
	return len(r.Peers) / 6
}

func (r AnnounceResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, AnnounceResponseHeaderSize+len(r.Peers))
	b = binary.BigEndian.AppendUint32(b, uint32(ActionAnnounce))
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	b = binary.BigEndian.AppendUint32(b, r.Interval)
	b = binary.BigEndian.AppendUint32(b, r.Leechers)
	b = binary.BigEndian.AppendUint32(b, r.Seeders)
	b = append(b, r.Peers...)
	return b, nil
}

func (r *AnnounceResponse) UnmarshalBinary(p []byte) error {
	if len(p) < AnnounceResponseHeaderSize {
		return ErrShort
	}
	err := checkAction(Action(binary.BigEndian.Uint32(p[0:4])),
		ActionAnnounce)
	if err != nil {
		return err
	}
	r.TransactionID = binary.BigEndian.Uint32(p[4:8])
	r.Interval = binary.BigEndian.Uint32(p[8:12])
	r.Leechers = binary.BigEndian.Uint32(p[12:16])
	r.Seeders = binary.BigEndian.Uint32(p[16:20])
	r.Peers = append([]byte(nil), p[20:]...)
	return nil
}

// ErrorResponse is sent by a tracker instead of a reply.
type ErrorResponse struct {
	TransactionID uint32
	Message       string
}

func (r ErrorResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, ErrorHeaderSize+len(r.Message))
	b = binary.BigEndian.AppendUint32(b, uint32(ActionError))
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	b = append(b, r.Message...)
	return b, nil
}

func (r *ErrorResponse) UnmarshalBinary(p []byte) error {
	if len(p) < ErrorHeaderSize {
		return ErrShort
	}
	err := checkAction(Action(binary.BigEndian.Uint32(p[0:4])),
		ActionError)
	if err != nil {
		return err
	}
	r.TransactionID = binary.BigEndian.Uint32(p[4:8])
	r.Message = string(p[8:])
	return nil
}
