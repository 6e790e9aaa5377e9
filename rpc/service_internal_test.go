package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	s := NewService(nil, nil, nil)

	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "string id", body: `{"userId":"abc"}`, want: "abc"},
		{name: "numeric id", body: `{"userId":12345678901234567890}`, want: "12345678901234567890"},
		{name: "extra fields ignored", body: `{"userId":"a","trace":true}`, want: "a"},
		{name: "missing id", body: `{"id":"a"}`, wantErr: true},
		{name: "empty id", body: `{"userId":""}`, wantErr: true},
		{name: "null id", body: `{"userId":null}`, wantErr: true},
		{name: "object id", body: `{"userId":{}}`, wantErr: true},
		{name: "not json", body: `userId=1`, wantErr: true},
		{name: "not an object", body: `["a"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.parseID([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := newConfig(nil)
	assert.Equal(t, "USER_DETAILS_REQUEST", cfg.requestQueue())
	assert.Equal(t, "USER_DETAILS_RESPONSE", cfg.responseQueue())
	assert.Equal(t, "User not found", cfg.notFoundMessage())
	assert.Equal(t, "userId", cfg.idField)
	assert.Equal(t, DefaultTimeout, cfg.timeout)
}

func TestDecodeReply(t *testing.T) {
	body, err := decodeReply([]byte(`{"id":"1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(body))

	_, err = decodeReply([]byte(`{"error":"User not found"}`))
	assert.ErrorIs(t, err, ErrNotFound)

	body, err = decodeReply([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(body))

	// records may carry their own error field
	record := `{"id":"7","name":"Grace","error":"last login failed"}`
	body, err = decodeReply([]byte(record))
	require.NoError(t, err)
	assert.JSONEq(t, record, string(body))

	body, err = decodeReply([]byte(`{"error":{"code":3}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":3}}`, string(body))
}
