// Package scgi serves httpx handlers behind a front web server speaking
// SCGI. Each connection carries one request: a netstring of CGI
// variables followed by the body. The response is written CGI style
// and the connection is closed.
package scgi
