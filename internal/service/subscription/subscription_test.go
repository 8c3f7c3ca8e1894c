package subscription

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "26687cd8-fcb8-4189-974c-7513f08fe875"

func TestLinks(t *testing.T) {
	g := &Generator{
		ID:        testUUID,
		SubPath:   testUUID,
		NodeName:  "edge",
		Preferred: []string{"1.1.1.1:8443#hk", "cdn.example.net", "[2606:4700::1]:2053#v6 node"},
	}

	out, err := g.Links("edge.example.net:8443")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)

	assert.Equal(t,
		"vless://"+testUUID+"@1.1.1.1:8443?encryption=none&host=edge.example.net&path=%2F%3Fed%3D2560&security=tls&sni=edge.example.net&type=ws#hk",
		lines[0])

	want := []struct{ host, name string }{
		{"1.1.1.1:8443", "hk"},
		{"cdn.example.net:443", "edge"},
		{"[2606:4700::1]:2053", "v6 node"},
		{"edge.example.net:443", "edge"},
	}
	for i, line := range lines {
		u, err := url.Parse(line)
		require.NoError(t, err, line)
		assert.Equal(t, "vless", u.Scheme)
		assert.Equal(t, testUUID, u.User.Username())
		assert.Equal(t, want[i].host, u.Host)
		assert.Equal(t, want[i].name, u.Fragment)

		q := u.Query()
		assert.Equal(t, "ws", q.Get("type"))
		assert.Equal(t, "tls", q.Get("security"))
		assert.Equal(t, "edge.example.net", q.Get("sni"))
		assert.Equal(t, DefaultPath, q.Get("path"))
	}
}

func TestLinks_Errors(t *testing.T) {
	g := &Generator{ID: testUUID, Preferred: []string{"a:b:c"}}
	_, err := g.Links("edge.example.net")
	assert.Error(t, err)

	_, err = (&Generator{ID: testUUID}).Links("")
	assert.Error(t, err)
}

func TestHint(t *testing.T) {
	g := &Generator{SubPath: "sub"}
	assert.Equal(t, "subscription: https://edge.example.net/sub/vless", g.Hint("edge.example.net"))
}
