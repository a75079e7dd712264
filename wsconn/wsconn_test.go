package wsconn

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair starts an httptest server, hands the server side of the socket to
// serve wrapped in a Conn and returns the raw client side.
func pair(t *testing.T, serve func(*Conn), opts ...Option) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(New(ws, opts...))
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return string(data)
}

func TestReadFramesMessagesAsLines(t *testing.T) {
	lines := make(chan string, 4)
	client := pair(t, func(c *Conn) {
		defer c.Close()
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`  {"id":1}  `)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("   ")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte(`{"id":2}`+"\n")))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, got)
}

func TestReadCompactsMultiLineMessages(t *testing.T) {
	lines := make(chan string, 4)
	client := pair(t, func(c *Conn) {
		defer c.Close()
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	})

	pretty := "{\n  \"jsonrpc\": \"2.0\",\n  \"id\": 1,\n  \"method\": \"initialize\",\n  \"params\": {\"text\": \"a\\nb\"}\n}"
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(pretty)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json\n{")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"id":2}`)))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"text":"a\nb"}}`,
		`{"id":2}`,
	}, got)
}

func TestReadPartialBuffers(t *testing.T) {
	result := make(chan string, 1)
	client := pair(t, func(c *Conn) {
		defer c.Close()
		var sb strings.Builder
		buf := make([]byte, 3)
		for {
			n, err := c.Read(buf)
			sb.Write(buf[:n])
			if err != nil || strings.HasSuffix(sb.String(), "\n") {
				break
			}
		}
		result <- sb.String()
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"method":"x"}`)))
	select {
	case got := <-result:
		assert.Equal(t, `{"method":"x"}`+"\n", got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestPeerCloseIsEOF(t *testing.T) {
	errs := make(chan error, 1)
	client := pair(t, func(c *Conn) {
		_, err := c.Read(make([]byte, 16))
		errs <- err
		<-c.Done()
	})
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestWriteSplitsLines(t *testing.T) {
	client := pair(t, func(c *Conn) {
		_, _ = c.Write([]byte(`{"a":1}` + "\n" + `{"b"`))
		_, _ = c.Write([]byte(`:2}` + "\n\n"))
		_, _ = c.Write([]byte(`{"c":3}` + "\n"))
		_ = c.Close()
	})

	assert.Equal(t, `{"a":1}`, readText(t, client))
	assert.Equal(t, `{"b":2}`, readText(t, client))
	assert.Equal(t, `{"c":3}`, readText(t, client))

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestCloseWithErrorCode(t *testing.T) {
	client := pair(t, func(c *Conn) {
		assert.NoError(t, c.CloseWithError(websocket.CloseInternalServerErr, "agent build failed"))
		// second close is a no-op
		assert.NoError(t, c.Close())
		_, err := c.Write([]byte("x\n"))
		assert.ErrorIs(t, err, ErrClosed)
	})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Equal(t, "agent build failed", ce.Text)
}

func TestErrorsAreSticky(t *testing.T) {
	errs := make(chan [2]error, 1)
	client := pair(t, func(c *Conn) {
		_, first := c.Read(make([]byte, 8))
		_, second := c.Read(make([]byte, 8))
		errs <- [2]error{first, second}
	})
	require.NoError(t, client.Close())

	select {
	case got := <-errs:
		require.Error(t, got[0])
		assert.Equal(t, got[0], got[1])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestKeepaliveAnswersPings(t *testing.T) {
	pinged := make(chan struct{}, 1)
	client := pair(t, func(c *Conn) {
		<-c.Done()
	}, WithKeepalive(20*time.Millisecond, time.Second))

	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping received")
	}
}
