// Package fetch retrieves selected sources locally when the research
// backend's fetch endpoint is not wanted.
//
// Every URL is checked against a weburl.Policy before the request and again
// on each redirect, and the dialer refuses private addresses after DNS
// resolution. HTML is reduced to its main content region and converted to
// markdown; plain text is passed through. Bodies are decoded to UTF-8 using
// the declared or sniffed charset.
//
//	f := fetch.New(fetch.Config{Timeout: 20 * time.Second})
//	contents, err := f.FetchURLs(ctx, []string{"https://go.dev/doc/effective_go"})
//
// A failing URL does not fail the batch: its URLContent carries the reason in
// Error.
package fetch
