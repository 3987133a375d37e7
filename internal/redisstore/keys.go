package redisstore

import "strings"

// keyGenerator builds Redis keys for the node/property/children layout a
// Store instance maintains. Everything lives under a single configurable
// prefix so one Redis database can host more than one repository.
type keyGenerator struct {
	prefix string
}

func newKeyGenerator(prefix string) *keyGenerator {
	if prefix == "" {
		prefix = "classrepo"
	}
	return &keyGenerator{prefix: prefix}
}

// nodeKey is the hash holding a node's own metadata ("exists" marker and
// nothing else — nodes carry no bytes).
func (kg *keyGenerator) nodeKey(path string) string {
	return kg.prefix + ":node:" + path
}

// childrenKey is the set of child names directly under path.
func (kg *keyGenerator) childrenKey(path string) string {
	return kg.prefix + ":children:" + path
}

// propertyKey is the hash holding a property's bytes and last-modified
// timestamp.
func (kg *keyGenerator) propertyKey(path string) string {
	return kg.prefix + ":prop:" + path
}

// channel is the pub/sub channel events for this repository are published
// on.
func (kg *keyGenerator) channel() string {
	return kg.prefix + ":events"
}

func isRoot(path string) bool {
	return path == "" || path == "/"
}

func splitParent(path string) (parent, name string) {
	trimmed := strings.Trim(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 {
		return "/", trimmed
	}
	return "/" + trimmed[:idx], trimmed[idx+1:]
}
