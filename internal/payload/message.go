package payload

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
)

// Message header layout (CCTP v2), big-endian:
//
//	0   version                      uint32
//	4   sourceDomain                 uint32
//	8   destinationDomain            uint32
//	12  nonce                        bytes32
//	44  sender                       bytes32
//	76  recipient                    bytes32
//	108 destinationCaller            bytes32
//	140 minFinalityThreshold         uint32
//	144 finalityThresholdExecuted    uint32
//	148 messageBody                  bytes
const messageHeaderLen = 148

// Burn message body layout (CCTP v2).
//
//	0   version          uint32
//	4   burnToken        bytes32
//	36  mintRecipient    bytes32
//	68  amount           uint256
//	100 messageSender    bytes32
//	132 maxFee           uint256
//	164 feeExecuted      uint256
//	196 expirationBlock  uint256
//	228 hookData         bytes
const burnBodyLen = 228

type Message struct {
	Version                   uint32
	SourceDomain              uint32
	DestDomain                uint32
	Nonce                     [32]byte
	Sender                    [32]byte
	Recipient                 [32]byte
	DestinationCaller         [32]byte
	MinFinalityThreshold      uint32
	FinalityThresholdExecuted uint32
	Body                      []byte
}

type BurnMessage struct {
	Version         uint32
	BurnToken       [32]byte
	MintRecipient   [32]byte
	Amount          *big.Int
	MessageSender   [32]byte
	MaxFee          *big.Int
	FeeExecuted     *big.Int
	ExpirationBlock *big.Int
	HookData        []byte
}

func ParseMessage(b []byte) (Message, error) {
	if len(b) < messageHeaderLen {
		return Message{}, fmt.Errorf("%w: message is %d bytes, header needs %d", bridge.ErrInvalidInput, len(b), messageHeaderLen)
	}
	var m Message
	m.Version = binary.BigEndian.Uint32(b[0:4])
	m.SourceDomain = binary.BigEndian.Uint32(b[4:8])
	m.DestDomain = binary.BigEndian.Uint32(b[8:12])
	copy(m.Nonce[:], b[12:44])
	copy(m.Sender[:], b[44:76])
	copy(m.Recipient[:], b[76:108])
	copy(m.DestinationCaller[:], b[108:140])
	m.MinFinalityThreshold = binary.BigEndian.Uint32(b[140:144])
	m.FinalityThresholdExecuted = binary.BigEndian.Uint32(b[144:148])
	m.Body = append([]byte(nil), b[messageHeaderLen:]...)
	return m, nil
}

// NonceHex renders the nonce the way the attestation service reports it.
func (m Message) NonceHex() string {
	return hexutil.Encode(m.Nonce[:])
}

func ParseBurnMessage(body []byte) (BurnMessage, error) {
	if len(body) < burnBodyLen {
		return BurnMessage{}, fmt.Errorf("%w: burn body is %d bytes, needs %d", bridge.ErrInvalidInput, len(body), burnBodyLen)
	}
	var m BurnMessage
	m.Version = binary.BigEndian.Uint32(body[0:4])
	copy(m.BurnToken[:], body[4:36])
	copy(m.MintRecipient[:], body[36:68])
	m.Amount = new(big.Int).SetBytes(body[68:100])
	copy(m.MessageSender[:], body[100:132])
	m.MaxFee = new(big.Int).SetBytes(body[132:164])
	m.FeeExecuted = new(big.Int).SetBytes(body[164:196])
	m.ExpirationBlock = new(big.Int).SetBytes(body[196:228])
	m.HookData = append([]byte(nil), body[burnBodyLen:]...)
	return m, nil
}

// Encode is the inverse of ParseMessage.
func (m Message) Encode() []byte {
	out := make([]byte, messageHeaderLen, messageHeaderLen+len(m.Body))
	binary.BigEndian.PutUint32(out[0:4], m.Version)
	binary.BigEndian.PutUint32(out[4:8], m.SourceDomain)
	binary.BigEndian.PutUint32(out[8:12], m.DestDomain)
	copy(out[12:44], m.Nonce[:])
	copy(out[44:76], m.Sender[:])
	copy(out[76:108], m.Recipient[:])
	copy(out[108:140], m.DestinationCaller[:])
	binary.BigEndian.PutUint32(out[140:144], m.MinFinalityThreshold)
	binary.BigEndian.PutUint32(out[144:148], m.FinalityThresholdExecuted)
	return append(out, m.Body...)
}

// Encode is the inverse of ParseBurnMessage. Nil amounts encode as zero.
func (m BurnMessage) Encode() []byte {
	out := make([]byte, burnBodyLen, burnBodyLen+len(m.HookData))
	binary.BigEndian.PutUint32(out[0:4], m.Version)
	copy(out[4:36], m.BurnToken[:])
	copy(out[36:68], m.MintRecipient[:])
	putUint256(out[68:100], m.Amount)
	copy(out[100:132], m.MessageSender[:])
	putUint256(out[132:164], m.MaxFee)
	putUint256(out[164:196], m.FeeExecuted)
	putUint256(out[196:228], m.ExpirationBlock)
	return append(out, m.HookData...)
}

func putUint256(dst []byte, v *big.Int) {
	if v == nil {
		return
	}
	v.FillBytes(dst)
}
