package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarkNotifierPostsForm(t *testing.T) {
	var got struct{ method, path, title, body, group string }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got.method = r.Method
		got.path = r.URL.Path
		got.title = r.PostForm.Get("title")
		got.body = r.PostForm.Get("body")
		got.group = r.PostForm.Get("group")
	}))
	defer srv.Close()

	bark, err := NewBarkNotifier(srv.URL + "/device-key/")
	require.NoError(t, err)
	require.NoError(t, bark.Send(context.Background(), "Task news failed", "exit 1\nboom & more"))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/device-key", got.path)
	assert.Equal(t, "Task news failed", got.title)
	assert.Equal(t, "exit 1\nboom & more", got.body)
	assert.Equal(t, "botfactory", got.group)
}

func TestBarkNotifierErrors(t *testing.T) {
	_, err := NewBarkNotifier("  ")
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	bark, err := NewBarkNotifier(srv.URL)
	require.NoError(t, err)
	assert.ErrorContains(t, bark.Send(context.Background(), "t", "b"), "500")
}

type failing struct{ err error }

func (f failing) Send(context.Context, string, string) error { return f.err }

type counting struct{ n int }

func (c *counting) Send(context.Context, string, string) error {
	c.n++
	return nil
}

func TestMultiNotifierTriesEveryone(t *testing.T) {
	first := errors.New("first down")
	after := &counting{}
	multi := NewMultiNotifier(failing{first}, after, &NoOpNotifier{})

	err := multi.Send(context.Background(), "t", "b")
	assert.ErrorIs(t, err, first)
	assert.Equal(t, 1, after.n)
	assert.Equal(t, 3, multi.Len())

	assert.NoError(t, NewMultiNotifier().Send(context.Background(), "t", "b"))
}
