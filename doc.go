// Package surfcache computes 2-D slices of an expensive evaluation function
// progressively and caches the results by content.
//
// A request is described by Params. After normalization its fingerprint is a
// SHA-256 over a canonical encoding, so equal requests share one entry no
// matter how their floats were spelled. A finished grid is encoded with a
// deterministic codec and stored under the SHA-256 of its bytes. Fingerprints
// with identical output therefore share one blob.
//
// Components:
//   - Registry: at most one live task per fingerprint. Handles attach to it and
//     the last one to leave cancels it.
//   - Publisher: lock-free snapshot exchange. Readers always see a whole prefix
//     of rows, never a half-written one.
//   - Store: content-addressed index with LRU eviction of unpinned blobs over
//     a Backend (in-memory by default, diskstore for persistence) and an
//     optional provider.Provider tier.
//   - GenStore: per-fingerprint generation counters for tasks ("task:<fp>") and
//     snapshots ("snap:<fp>").
//
// Typical use from a UI loop:
//
//	h, _ := cache.Request(ctx, params)
//	defer cache.Cancel(h)
//	for {
//		st := cache.Poll(h) // never blocks
//		draw(st.Snapshot)
//		if st.Done {
//			break
//		}
//	}
package surfcache
