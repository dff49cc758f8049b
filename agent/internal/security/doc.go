// Package security checks the TLS certificate of each https source and turns
// what it finds into gauge samples, so certificate expiry travels through the
// same swap buffer as scraped metrics.
//
// A CertChecker satisfies scraper.Scraper; the agent runs it under its own
// collector with the source ID suffixed by ":tls".
package security
