package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut  *ssm.GetParameterOutput
	getErr  error
	lastIn  *ssm.GetParameterInput
	callCnt int
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	f.callCnt++
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueOut(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: strPtr(v)}}
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: valueOut(`{"k":"v"}`)}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, `{"k":"v"}`, v)
	require.Equal(t, "p", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestNewKeySource_Validates(t *testing.T) {
	_, err := NewKeySource(nil, "/voicechat/llm-key")
	require.Error(t, err)

	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = NewKeySource(client, " ")
	require.ErrorContains(t, err, "empty")
}

func TestKeySource_RawAndJSONValues(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  string
		err   string
	}{
		{name: "raw", value: " sk-raw \n", want: "sk-raw"},
		{name: "json", value: `{"token":"sk-json"}`, want: "sk-json"},
		{name: "json without token", value: `{"other":"x"}`, err: "empty"},
		{name: "malformed json", value: `{"broken`, err: "unmarshal"},
		{name: "blank", value: "   ", err: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(&fakeAPI{getOut: valueOut(tc.value)})
			require.NoError(t, err)
			ks, err := NewKeySource(client, "/voicechat/llm-key")
			require.NoError(t, err)

			key, err := ks.APIKey(context.Background())
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, key)
		})
	}
}

func TestKeySource_FetchesOnce(t *testing.T) {
	api := &fakeAPI{getOut: valueOut("sk-once")}
	client, err := New(api)
	require.NoError(t, err)
	ks, err := NewKeySource(client, "/voicechat/llm-key")
	require.NoError(t, err)

	for range 3 {
		key, err := ks.APIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-once", key)
	}
	require.Equal(t, 1, api.callCnt, "SSM must only be called once per process lifetime")
}

// seqAPI returns its results in order, repeating the last one.
type seqAPI struct {
	errs  []error
	value string
	calls int
}

func (f *seqAPI) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return valueOut(f.value), nil
}

func TestKeySource_RetriesAfterError(t *testing.T) {
	api := &seqAPI{errs: []error{errors.New("throttled")}, value: "sk-later"}
	client, err := New(api)
	require.NoError(t, err)
	ks, err := NewKeySource(client, "/voicechat/llm-key")
	require.NoError(t, err)

	_, err = ks.APIKey(context.Background())
	require.ErrorContains(t, err, "throttled")

	for range 2 {
		key, err := ks.APIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-later", key)
	}
	require.Equal(t, 2, api.calls)
}
