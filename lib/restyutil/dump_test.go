package restyutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

type memoryOutput struct {
	mutex sync.Mutex
	dumps map[string]string
}

func (m *memoryOutput) Write(id, contents string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dumps[id] = contents
}

func TestDump(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Source", "fake")
		w.Write([]byte("<html>hello</html>"))
	}))
	t.Cleanup(srv.Close)

	out := &memoryOutput{dumps: map[string]string{}}
	client := resty.New()
	Dump(client, out)

	_, err := client.R().SetHeader("X-Probe", "1").Get(srv.URL + "/search?q=dragon")
	require.NoError(t, err)

	require.Len(t, out.dumps, 1)
	dump := out.dumps["00001"]
	require.Contains(t, dump, "GET "+srv.URL+"/search?q=dragon")
	require.Contains(t, dump, "X-Probe: 1")
	require.Contains(t, dump, "X-Source: fake")
	require.Contains(t, dump, "<html>hello</html>")
}

func TestDirOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	out, err := NewDirOutput(dir)
	require.NoError(t, err)

	out.Write("00001", "contents")
	contents, err := os.ReadFile(filepath.Join(dir, "00001.txt"))
	require.NoError(t, err)
	require.Equal(t, "contents", string(contents))
}
