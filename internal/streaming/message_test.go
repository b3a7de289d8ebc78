package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequiresTypeAndChain(t *testing.T) {
	_, err := Decode([]byte(`{"chain_id":1}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"type":"log"}`))
	require.Error(t, err)

	_, err = Encode(Message{Type: MessageTypeBlock})
	require.Error(t, err)
}

func TestEncodeKeepsReceiptFields(t *testing.T) {
	payload, err := Encode(Message{
		Type:          MessageTypeReceipt,
		ChainID:       9,
		BlockNumber:   3,
		TxHash:        "0xaa",
		Status:        "reverted",
		FailureReason: "execution reverted",
	})
	require.NoError(t, err)

	msg, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, MessageTypeReceipt, msg.Type)
	require.Equal(t, "execution reverted", msg.FailureReason)
	require.Equal(t, uint64(3), msg.BlockNumber)
}
