package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskmeter/internal/model"
)

type fakeAPI struct {
	t       *testing.T
	calls   map[string]*atomic.Int32
	handler func(action string, params map[string]any) (int, any)
}

func newFakeAPI(t *testing.T, handler func(action string, params map[string]any) (int, any)) (*httptest.Server, *fakeAPI) {
	api := &fakeAPI{t: t, calls: map[string]*atomic.Int32{}, handler: handler}
	for _, a := range []string{"CreateCompShareInstance", "StartCompShareInstance", "StopCompShareInstance",
		"TerminateCompShareInstance", "DescribeCompShareInstance"} {
		api.calls[a] = &atomic.Int32{}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		action, _ := params["Action"].(string)
		if c, ok := api.calls[action]; ok {
			c.Add(1)
		}
		status, body := api.handler(action, params)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, api
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL:    url,
		APIKey:     "key",
		Zone:       "cn-wlcb-01",
		ImageID:    "img-1",
		Timeout:    time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
}

func describeBody(id, state string) map[string]any {
	return map[string]any{
		"RetCode": 0,
		"UHostSet": []map[string]any{{
			"UHostId":  id,
			"State":    state,
			"IPSet":    []map[string]any{{"IP": "10.0.0.1"}, {"IP": "203.0.113.9"}},
			"Password": base64.StdEncoding.EncodeToString([]byte("s3cret")),
		}},
	}
}

func TestCreateInstance(t *testing.T) {
	srv, api := newFakeAPI(t, func(action string, params map[string]any) (int, any) {
		switch action {
		case "CreateCompShareInstance":
			assert.Equal(t, "3090", params["GpuType"])
			assert.Equal(t, float64(32*1024), params["Memory"])
			assert.Equal(t, "img-1", params["CompShareImageId"])
			return http.StatusOK, map[string]any{"RetCode": 0, "UHostIds": []string{"uhost-1"}}
		case "DescribeCompShareInstance":
			return http.StatusOK, describeBody("uhost-1", "Stopped")
		}
		return http.StatusBadRequest, nil
	})

	inst, err := newTestClient(srv.URL).CreateInstance(context.Background(), model.InstanceSpec{
		InstanceName: "desk", GPUType: "3090", CPUCores: 12, MemoryGB: 32, StorageGB: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, "uhost-1", inst.ID)
	assert.Equal(t, "203.0.113.9", inst.IP)
	assert.Equal(t, "s3cret", inst.Credential)
	assert.Equal(t, StateStopped, inst.State)
	assert.Equal(t, int32(1), api.calls["CreateCompShareInstance"].Load())
}

func TestCreateInstance_NotRetried(t *testing.T) {
	srv, api := newFakeAPI(t, func(action string, _ map[string]any) (int, any) {
		return http.StatusServiceUnavailable, map[string]any{}
	})

	_, err := newTestClient(srv.URL).CreateInstance(context.Background(), model.InstanceSpec{})
	require.Error(t, err)
	assert.Equal(t, int32(1), api.calls["CreateCompShareInstance"].Load())
}

func TestStopInstance_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	srv, api := newFakeAPI(t, func(action string, _ map[string]any) (int, any) {
		if n.Add(1) < 3 {
			return http.StatusBadGateway, map[string]any{}
		}
		return http.StatusOK, map[string]any{"RetCode": 0}
	})

	require.NoError(t, newTestClient(srv.URL).StopInstance(context.Background(), "uhost-1"))
	assert.Equal(t, int32(3), api.calls["StopCompShareInstance"].Load())
}

func TestTerminateInstance_RetCodeIsAPIError(t *testing.T) {
	srv, api := newFakeAPI(t, func(action string, _ map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"RetCode": 230, "Message": "host is busy"}
	})

	err := newTestClient(srv.URL).TerminateInstance(context.Background(), "uhost-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 230, apiErr.RetCode)
	assert.Contains(t, err.Error(), "host is busy")
	assert.Equal(t, int32(1), api.calls["TerminateCompShareInstance"].Load())
}

func TestStartInstance_RefreshesConnection(t *testing.T) {
	srv, _ := newFakeAPI(t, func(action string, _ map[string]any) (int, any) {
		if action == "StartCompShareInstance" {
			return http.StatusOK, map[string]any{"RetCode": 0}
		}
		return http.StatusOK, describeBody("uhost-1", "Running")
	})

	inst, err := newTestClient(srv.URL).StartInstance(context.Background(), "uhost-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, inst.State)
	assert.Equal(t, "s3cret", inst.Credential)
}

func TestDescribeInstance_NotFound(t *testing.T) {
	srv, _ := newFakeAPI(t, func(action string, _ map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"RetCode": retCodeNotFound, "Message": "host not exist"}
	})

	_, err := newTestClient(srv.URL).DescribeInstance(context.Background(), "uhost-x")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestFindInstanceByName(t *testing.T) {
	srv, api := newFakeAPI(t, func(action string, params map[string]any) (int, any) {
		assert.Equal(t, "DescribeCompShareInstance", action)
		assert.Equal(t, "cn-wlcb-01", params["Zone"])
		return http.StatusOK, map[string]any{
			"RetCode": 0,
			"UHostSet": []map[string]any{
				{"UHostId": "uhost-old", "Name": "desk-7", "State": "Terminated"},
				{"UHostId": "uhost-other", "Name": "desk-8", "State": "Running"},
				{"UHostId": "uhost-1", "Name": "desk-7", "State": "Stopped"},
			},
		}
	})
	client := newTestClient(srv.URL)

	inst, err := client.FindInstanceByName(context.Background(), "desk-7")
	require.NoError(t, err)
	assert.Equal(t, "uhost-1", inst.ID)
	assert.Equal(t, "desk-7", inst.Name)

	_, err = client.FindInstanceByName(context.Background(), "desk-9")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Equal(t, int32(2), api.calls["DescribeCompShareInstance"].Load())
}

func TestToInstance_SingleIP(t *testing.T) {
	inst, err := toInstance(hostInfo{UHostId: "h", IPSet: []ipEntry{{IP: "1.2.3.4"}}})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", inst.IP)
	assert.Empty(t, inst.Credential)
}
