package loader

import "github.com/edgecomet/classrepo/internal/resource"

// cacheSlot is the tagged CacheSlot = {Hit(Resource), Miss} the design
// notes recommend in place of a shared NOT_FOUND sentinel object (spec
// §9).
type cacheSlot struct {
	res   *resource.Resource
	found bool
}

var missSlot = cacheSlot{found: false}

func hitSlot(r *resource.Resource) cacheSlot {
	return cacheSlot{res: r, found: true}
}
