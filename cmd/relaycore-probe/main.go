package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// ProbeResult is the outcome of one request run through the proxy under test.
type ProbeResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// ProbeSuite drives a fixed list of requests through a configured proxy and
// records whether each one behaved as expected.
type ProbeSuite struct {
	ProxyURL string
	Client   *http.Client
	Results  []ProbeResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("invalid proxy address: %v", err)
	}

	suite := &ProbeSuite{
		ProxyURL: proxyURL.String(),
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		},
	}

	logger.Info("probing proxy at %s", suite.ProxyURL)

	logger.Info("running plaintext tests...")
	suite.runPlaintextTests()

	logger.Info("running TLS-interception tests...")
	suite.runTLSTests()

	suite.printResults()
}

type probeCase struct {
	name string
	url  string
	run  func(string) ProbeResult
}

// runPlaintextTests exercises the Session Loop over plain HTTP request
// targets, where the dispatcher never sees a CONNECT.
func (ps *ProbeSuite) runPlaintextTests() {
	ps.runAll([]probeCase{
		{"httpbin-ip", "http://httpbin.org/ip", ps.probeGet},
		{"httpbin-headers", "http://httpbin.org/headers", ps.probeGet},
		{"httpbin-post", "http://httpbin.org/post", ps.probePost},
		{"httpbin-json", "http://httpbin.org/json", ps.probeJSON},
		{"httpbin-chunked", "http://httpbin.org/stream/5", ps.probeGet},
		{"httpbin-status-404", "http://httpbin.org/status/404", ps.probeStatus(404)},
	})
}

// runTLSTests exercises the CONNECT handshake and TLS Interceptor against
// real origins, so a run against a misconfigured CA surfaces as handshake
// failures rather than silent pass-through.
func (ps *ProbeSuite) runTLSTests() {
	ps.runAll([]probeCase{
		{"httpbin-https", "https://httpbin.org/ip", ps.probeGet},
		{"httpbin-https-redirect", "https://httpbin.org/redirect/1", ps.probeStatus(200)},
		{"example-https", "https://example.com/", ps.probeStatus(200)},
	})
}

func (ps *ProbeSuite) runAll(tests []probeCase) {
	for _, t := range tests {
		logger.Debug("probing %s", t.name)
		result := t.run(t.url)
		result.Name = t.name
		result.URL = t.url
		ps.Results = append(ps.Results, result)
	}
}

func (ps *ProbeSuite) probeGet(targetURL string) ProbeResult {
	start := time.Now()

	req, err := http.NewRequest(http.MethodGet, targetURL, nil)
	if err != nil {
		return ProbeResult{Duration: time.Since(start), Error: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("User-Agent", "relaycore-probe/1.0")

	resp, err := ps.Client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return ProbeResult{Duration: duration, Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProbeResult{Duration: duration, Status: resp.StatusCode, Error: fmt.Sprintf("reading response: %v", err)}
	}

	logger.Debug("response for %s: %d bytes, status %d", targetURL, len(body), resp.StatusCode)
	return ProbeResult{Success: resp.StatusCode == http.StatusOK, Duration: duration, Status: resp.StatusCode}
}

func (ps *ProbeSuite) probePost(targetURL string) ProbeResult {
	start := time.Now()

	req, err := http.NewRequest(http.MethodPost, targetURL, strings.NewReader("probe=relaycore"))
	if err != nil {
		return ProbeResult{Duration: time.Since(start), Error: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "relaycore-probe/1.0")

	resp, err := ps.Client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return ProbeResult{Duration: duration, Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProbeResult{Duration: duration, Status: resp.StatusCode, Error: fmt.Sprintf("reading response: %v", err)}
	}

	success := resp.StatusCode == http.StatusOK && strings.Contains(string(body), "probe")
	return ProbeResult{Success: success, Duration: duration, Status: resp.StatusCode}
}

func (ps *ProbeSuite) probeJSON(targetURL string) ProbeResult {
	start := time.Now()

	resp, err := ps.Client.Get(targetURL)
	duration := time.Since(start)
	if err != nil {
		return ProbeResult{Duration: duration, Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProbeResult{Duration: duration, Status: resp.StatusCode, Error: fmt.Sprintf("reading response: %v", err)}
	}

	var decoded map[string]any
	err = json.Unmarshal(body, &decoded)
	success := err == nil && resp.StatusCode == http.StatusOK
	return ProbeResult{Success: success, Duration: duration, Status: resp.StatusCode}
}

// probeStatus returns a probe func that only checks the response reached
// the expected status code, for endpoints whose body doesn't matter.
func (ps *ProbeSuite) probeStatus(want int) func(string) ProbeResult {
	return func(targetURL string) ProbeResult {
		start := time.Now()

		resp, err := ps.Client.Get(targetURL)
		duration := time.Since(start)
		if err != nil {
			return ProbeResult{Duration: duration, Error: fmt.Sprintf("request failed: %v", err)}
		}
		defer closeBody(resp.Body)

		return ProbeResult{Success: resp.StatusCode == want, Duration: duration, Status: resp.StatusCode}
	}
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		logger.Error("error closing response body: %v", err)
	}
}

func (ps *ProbeSuite) printResults() {
	fmt.Printf("\n=== relaycore-probe results ===\n")
	fmt.Printf("Proxy: %s\n\n", ps.ProxyURL)

	passed := 0
	failed := 0

	for _, result := range ps.Results {
		status := "PASS"
		if !result.Success {
			status = "FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-24s %-4s (%d) %v\n", result.Name, status, result.Status, result.Duration.Round(time.Millisecond))
		if result.Error != "" {
			fmt.Printf("                         error: %s\n", result.Error)
		}
	}

	fmt.Printf("\nTotal: %d, passed: %d, failed: %d\n", len(ps.Results), passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
