// Poolkit - Go Demo
//
// Demonstrates how to use the poolkit proxy daemon with Go using
// net/http. Includes examples for basic requests, redirects handled by
// the daemon, concurrent requests and the stats endpoint.
//
// Usage:
//
//	go run basic_proxy.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

// Configuration from environment variables
var (
	proxyHost   = getEnv("PROXY_HOST", "localhost")
	proxyPort   = getEnv("PROXY_PORT", "3128")
	metricsPort = getEnv("METRICS_PORT", "9090")
	targetURL   = getEnv("TARGET_URL", "http://httpbin.org")
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getProxyURL() *url.URL {
	proxyURL, _ := url.Parse(fmt.Sprintf("http://%s:%s", proxyHost, proxyPort))
	return proxyURL
}

func newProxyClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(getProxyURL())},
		Timeout:   30 * time.Second,
		// The daemon follows redirects itself.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func printSeparator(title string) {
	fmt.Printf("%s\n", "============================================================")
	fmt.Printf("%s\n", title)
	fmt.Printf("%s\n", "============================================================")
}

// Example 1: Basic HTTP request through the daemon
func basicRequest() {
	printSeparator("Example 1: Basic HTTP request")

	client := newProxyClient()
	resp, err := client.Get(targetURL + "/get")
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("status: %d\nbody: %.200s\n", resp.StatusCode, body)
}

// Example 2: Redirects are followed by the daemon, not the client
func redirectRequest() {
	printSeparator("Example 2: Redirect resolved by the daemon")

	client := newProxyClient()
	resp, err := client.Get(targetURL + "/redirect/3")
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	// With follow_redirects enabled the daemon chases the chain and the
	// client sees the final response.
	fmt.Printf("final status: %d\n", resp.StatusCode)
}

// Example 3: Concurrent requests share the daemon's connection pools
func concurrentRequests() {
	printSeparator("Example 3: Concurrent requests")

	client := newProxyClient()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, targetURL+"/get", nil)
			resp, err := client.Do(req)
			if err != nil {
				fmt.Printf("request %d failed: %v\n", n, err)
				return
			}
			resp.Body.Close()
			fmt.Printf("request %d: %d\n", n, resp.StatusCode)
		}(i)
	}
	wg.Wait()
}

// Example 4: Daemon statistics
func daemonStats() {
	printSeparator("Example 4: Daemon stats")

	resp, err := http.Get(fmt.Sprintf("http://%s:%s/stats", proxyHost, metricsPort))
	if err != nil {
		fmt.Printf("stats request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Printf("decoding stats failed: %v\n", err)
		return
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

func main() {
	basicRequest()
	redirectRequest()
	concurrentRequests()
	daemonStats()
}
