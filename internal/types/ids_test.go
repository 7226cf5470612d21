package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResumptionTokenJSONRoundTrip(t *testing.T) {
	token := NewResumptionToken()

	data, err := json.Marshal(token)
	require.NoError(t, err)
	require.Equal(t, `"`+token.String()+`"`, string(data))

	var decoded ResumptionToken
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, token, decoded)
}

func TestResumptionTokenUnmarshalRejectsGarbage(t *testing.T) {
	var decoded ResumptionToken
	err := json.Unmarshal([]byte(`"not-a-uuid"`), &decoded)
	require.Error(t, err)
}

func TestPendingRequestEmbedsTokenAsString(t *testing.T) {
	pending := PendingRequest{
		RequestId:       1,
		ConsumerId:      "alice",
		ResumptionToken: NewResumptionToken(),
		PrepaidFee:      PrepaidFee{Kind: FeeNone},
	}
	data, err := json.Marshal(pending)
	require.NoError(t, err)
	require.Contains(t, string(data), `"`+pending.ResumptionToken.String()+`"`)

	var roundTripped PendingRequest
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	require.Equal(t, pending.ResumptionToken, roundTripped.ResumptionToken)
}
