// Package sketch executes image requests through a chain of interceptors
// backed by a memory cache and an optional disk cache.
//
// A [Request] names an image by URI and carries [Options] that control cache
// policies, target size, transformations and state images. [Sketch.Execute]
// resolves the target size, computes a cache key and runs the chain:
//
//   - MemoryCache: serves pinned images from the in-memory LRU
//   - ResultCache: serves transformed images from the disk cache
//   - Transformation: applies the request's transformations
//   - Engine: fetches bytes (through the download cache) and decodes them
//
// Concurrent requests for the same key are serialized by per-key locks, so
// only one of them fetches and decodes while the others wait and hit the
// cache.
//
// # Quick Start
//
//	s, err := sketch.New(
//	    sketch.WithCacheDir("/var/cache/sketch"),
//	    sketch.WithFetcher("https", http.NewFetcher()),
//	    sketch.WithDecoder(myDecoder),
//	)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	req, err := sketch.NewRequest("https://example.com/a.jpeg", sketch.Options{
//	    SizeResolver: sketch.FixedSize(200, 200),
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := s.Execute(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer res.Release()
//
// # Targets
//
// [Sketch.Enqueue] runs a request asynchronously for a [Target]. A newer
// request for the same target key cancels the older one, and the memory
// cache entry shown by a target stays pinned until the target is detached
// or receives another image.
package sketch
