package proof

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// payloadArgs describes an ABI encoded PBHPayload[] value.
var payloadArgs = func() abi.Arguments {
	typ, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "root", Type: "uint256"},
		{Name: "pbhExternalNullifier", Type: "uint256"},
		{Name: "nullifierHash", Type: "uint256"},
		{Name: "proof", Type: "uint256[8]"},
	})
	if err != nil {
		panic(err)
	}

	return abi.Arguments{{Name: "payloads", Type: typ}}
}()

// EncodePayloads ABI encodes a list of payloads as PBHPayload[].
func EncodePayloads(payloads []Payload) ([]byte, error) {
	if payloads == nil {
		payloads = []Payload{}
	}

	data, err := payloadArgs.Pack(payloads)
	if err != nil {
		return nil, fmt.Errorf("pack payloads: %w", err)
	}

	return data, nil
}

// DecodePayloads decodes an ABI encoded PBHPayload[] value.
func DecodePayloads(data []byte) ([]Payload, error) {
	values, err := payloadArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	var payloads []Payload
	if err := payloadArgs.Copy(&payloads, values); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	return payloads, nil
}
