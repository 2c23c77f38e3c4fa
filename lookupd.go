package nsq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

const lookupdUserAgent = "gonsq/" + Version
const lookupdAcceptHeader = "application/vnd.nsq; version=1.0"

// Producer describes one broker, as reported by nsqlookupd's /lookup
// and /nodes endpoints.
type Producer struct {
	BroadcastAddress string `json:"broadcast_address"`
	Hostname string `json:"hostname"`
	RemoteAddress string `json:"remote_address"`
	TCPPort int `json:"tcp_port"`
	HTTPPort int `json:"http_port"`
	Version string `json:"version"`
	Tombstoned bool `json:"tombstoned"`
	Topics []string `json:"topics"`
}

// TCPAddress returns the dialable host:port for this producer.
func (p *Producer) TCPAddress() string {
	return fmt.Sprintf("%s:%d", p.BroadcastAddress, p.TCPPort)
}

type lookupResponse struct {
	Channels []string `json:"channels"`
	Producers []*Producer `json:"producers"`
}

// LookupClient is a small HTTP client over one or more nsqlookupd
// instances, used by Consumer for topic discovery and
// available standalone for administrative read endpoints not
// required by the consumer core.
type LookupClient struct {
	httpClient *http.Client
}

// NewLookupClient returns a LookupClient using the given *http.Client,
// or a new *http.Client with a 10 second timeout if nil.
func NewLookupClient(httpClient *http.Client) *LookupClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &LookupClient{httpClient: httpClient}
}

// Lookup queries a single nsqlookupd for the producers and channels
// currently registered for topic.
func (lc *LookupClient) Lookup(lookupdAddr, topic string) (*lookupResponse, error) {
	if !IsValidTopicName(topic) {
		return nil, &Error{Kind: ErrKindProtocolFatal, Code: CodeBadTopic, Reason: topic}
	}
	endpoint := fmt.Sprintf("http://%s/lookup?topic=%s", lookupdAddr, url.QueryEscape(topic))
	resp := &lookupResponse{}
	if err := lc.getJSON(endpoint, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// LookupTopicProducers queries every given lookupd address for topic
// and unions the results discovery polling.
// Errors from individual lookupd instances are written to logger (when
// it is non-nil) and otherwise ignored; the call only fails if every
// address fails.
func (lc *LookupClient) LookupTopicProducers(lookupdAddrs []string, topic string, logger Logger) ([]*Producer, error) {
	var (
		mtx sync.Mutex
		wg sync.WaitGroup
		success bool
		byKey = map[string]*Producer{}
	)

	for _, addr := range lookupdAddrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := lc.Lookup(addr, topic)
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				if logger != nil {
					logger.Output(2, fmt.Sprintf("ERROR: lookupd %s - %s", addr, err))
				}
				return
			}
			success = true
			for _, p := range resp.Producers {
				key := p.TCPAddress()
				if _, ok := byKey[key]; !ok {
					byKey[key] = p
				}
			}
		}(addr)
	}
	wg.Wait()

	if !success {
		return nil, &Error{Kind: ErrKindOperational, Code: "E_LOOKUP", Reason: "unable to query any lookupd"}
	}

	out := make([]*Producer, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TCPAddress() < out[j].TCPAddress() })
	return out, nil
}

func (lc *LookupClient) getJSON(endpoint string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", lookupdAcceptHeader)
	req.Header.Set("User-Agent", lookupdUserAgent)

	resp, err := lc.httpClient.Do(req)
	if err != nil {
		return newSocketError(err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return newSocketError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(body)}
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !isJSONContentType(ct) {
		return &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: "unexpected content-type " + ct}
	}

	return json.Unmarshal(body, v)
}

func isJSONContentType(ct string) bool {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			ct = ct[:i]
			break
		}
	}
	return ct == "application/json" || ct == "application/vnd.nsq" || ct == "text/json"
}

// AdminClient talks to the administrative HTTP surface of one nsqd or
// nsqlookupd instance: /ping, /pub, and topic/channel create and
// delete. It has no methods for /stats, /topics, /channels, /nodes,
// /topic/tombstone or /info.
type AdminClient struct {
	addr string
	httpClient *http.Client
}

// NewAdminClient returns an AdminClient for the given nsqd/nsqlookupd
// HTTP address (host:port, no scheme).
func NewAdminClient(addr string, httpClient *http.Client) *AdminClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AdminClient{addr: addr, httpClient: httpClient}
}

// Ping hits /ping and returns nil if the instance answered with 200.
func (ac *AdminClient) Ping() error {
	return ac.postForm("/ping", nil)
}

// Publish performs an HTTP POST publish via /pub?topic=... — the
// same operation the cmd/nsqtrigger CLI wraps.
func (ac *AdminClient) Publish(topic string, body []byte) error {
	if !IsValidTopicName(topic) {
		return &Error{Kind: ErrKindProtocolFatal, Code: CodeBadTopic, Reason: topic}
	}
	endpoint := fmt.Sprintf("http://%s/pub?topic=%s", ac.addr, url.QueryEscape(topic))
	resp, err := ac.httpClient.Post(endpoint, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return newSocketError(err)
	}
	defer resp.Body.Close()
	respBody, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(respBody)}
	}
	return nil
}

// CreateTopic hits /topic/create?topic=...
func (ac *AdminClient) CreateTopic(topic string) error {
	return ac.postForm("/topic/create", url.Values{"topic": {topic}})
}

// DeleteTopic hits /topic/delete?topic=...
func (ac *AdminClient) DeleteTopic(topic string) error {
	return ac.postForm("/topic/delete", url.Values{"topic": {topic}})
}

// CreateChannel hits /channel/create?topic=...&channel=...
func (ac *AdminClient) CreateChannel(topic, channel string) error {
	return ac.postForm("/channel/create", url.Values{"topic": {topic}, "channel": {channel}})
}

// DeleteChannel hits /channel/delete?topic=...&channel=...
func (ac *AdminClient) DeleteChannel(topic, channel string) error {
	return ac.postForm("/channel/delete", url.Values{"topic": {topic}, "channel": {channel}})
}

func (ac *AdminClient) postForm(path string, values url.Values) error {
	endpoint := fmt.Sprintf("http://%s%s", ac.addr, path)
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	resp, err := ac.httpClient.Post(endpoint, "application/x-www-form-urlencoded", nil)
	if err != nil {
		return newSocketError(err)
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(body)}
	}
	return nil
}
