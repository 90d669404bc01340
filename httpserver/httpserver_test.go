package httpserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/liangpengcheng/qnetpool/network"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

func startServer(t *testing.T) (*HTTPServer, *network.Pool, *network.WorkQueue, network.Node) {
	t.Helper()
	work := network.NewWorkQueue(2)
	server := NewHTTPServer(work)
	pool, err := network.NewPool(network.DefaultSettings(), server)
	require.NoError(t, err)
	server.SetPool(pool)

	node := network.NewNode(network.ProtocolTCP, "127.0.0.1", freePort(t))
	pool.Bind(node, true)

	// wait until the listener answers
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, derr := net.DialTimeout("tcp", node.Addr(), 200*time.Millisecond)
		if derr == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listener did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return server, pool, work, node
}

func TestHTTPServerGet(t *testing.T) {
	server, pool, work, node := startServer(t)
	defer work.Close()
	defer pool.Shutdown()

	client := &fasthttp.Client{}
	status, body, err := client.GetTimeout(nil, "http://"+node.Addr()+"/hello", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Len(t, body, 600)

	deadline := time.Now().Add(5 * time.Second)
	for server.Served() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, uint64(1), server.Served())
}

func TestHTTPServerKeepAlive(t *testing.T) {
	server, pool, work, node := startServer(t)
	defer work.Close()
	defer pool.Shutdown()

	conn, err := net.Dial("tcp", node.Addr())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		req := fmt.Sprintf("GET /r%d HTTP/1.1\r\nHost: x\r\nConnection: Keep-Alive\r\n\r\n", i)
		_, err = conn.Write([]byte(req))
		require.NoError(t, err)

		httpReq, rerr := http.NewRequest("GET", "/", nil)
		require.NoError(t, rerr)
		resp, rerr := http.ReadResponse(reader, httpReq)
		require.NoError(t, rerr)
		assert.Equal(t, 200, resp.StatusCode)
		body := make([]byte, 600)
		_, rerr = readFull(resp.Body, body)
		require.NoError(t, rerr)
		resp.Body.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.Served() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, uint64(3), server.Served())
}

func readFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		// a body reader may return io.EOF together with its last bytes
		if err != nil && total < len(buf) {
			return total, err
		}
	}
	return total, nil
}

func TestHTTPServerBadRequestCloses(t *testing.T) {
	_, pool, work, node := startServer(t)
	defer work.Close()
	defer pool.Shutdown()

	conn, err := net.Dial("tcp", node.Addr())
	require.NoError(t, err)
	defer conn.Close()
	// bare LF line ending is rejected, the server closes on us
	_, err = conn.Write([]byte("GET / HTTP/1.1\nHost: x\n\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestHTTPServerShutdownBaseline(t *testing.T) {
	server, pool, work, node := startServer(t)

	client := &fasthttp.Client{}
	status, _, err := client.GetTimeout(nil, "http://"+node.Addr()+"/x", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, fasthttp.StatusOK, status)

	deadline := time.Now().Add(5 * time.Second)
	for server.Served() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	pool.Shutdown()
	work.Close()
	assert.Equal(t, int64(0), pool.MemoryTrace().MemoryUsage())
	assert.Equal(t, int32(0), pool.MemoryTrace().ObjectCount())
}
