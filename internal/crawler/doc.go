// Package crawler holds the crawl domain: registry and state types, the
// priority interval policy, the conditional fetch protocol and the state
// transitions applied after each fetch. Persistence, transport and
// publishing live behind the interfaces declared here.
package crawler
