// Package cache implements the gateway's response cache (§4.2): GET/HEAD
// requests and allow_post-enabled POST requests are fingerprinted by a
// canonical hash of method, URL, significant headers, and body, then stored
// tenant-namespaced in the shared kvstore. Corrupt entries are evicted and
// treated as a miss; store failures degrade to a miss rather than failing
// the request.
package cache
