// Package cmd defines the searchd CLI: serve runs the HTTP gateway and
// sweep removes stale result artifacts.
package cmd
