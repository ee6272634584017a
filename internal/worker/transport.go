package worker

import "net/http"

// clientTransport 让 http.Client 充当 Worker 的网络层，从而像浏览器 fetch 一样跟随跳转。
type clientTransport struct {
	client *http.Client
}

// NetworkFromClient adapts client into the network transport of a worker.
// Unlike a bare RoundTripper it follows redirects and applies the client
// timeout.
func NetworkFromClient(client *http.Client) http.RoundTripper {
	if client == nil {
		client = http.DefaultClient
	}
	return clientTransport{client: client}
}

func (t clientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Do(req)
}
