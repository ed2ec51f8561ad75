package vm

import (
	"hash/fnv"
	"math/rand"
)

// Map is the Go-style open-addressed hash table from §4.5.
//
// Header (32 bytes): log_cap:u64, length:u64, seed:u64, buckets_ptr:u64
// Bucket: 8 tophash bytes, then 8*key-size bytes of keys, then
// 8*value-size bytes of values. MAP_BUCKET_SIZE = 8 cells per bucket.
//
// Unlike a production Go map this has no overflow-bucket chaining: a full
// bucket simply forces a resize-and-retry (§4.5 Assign), which is the
// simplification the spec calls for.
const MapBucketCells = 8

const (
	mapHdrLogCap  = 0
	mapHdrLength  = 8
	mapHdrSeed    = 16
	mapHdrBuckets = 24
	mapHdrSize    = 32
)

const (
	tophashEmptyRest = 0 // rest of the bucket is guaranteed empty
	tophashEmptyOne  = 1 // this cell only is empty
	tophashMin       = 2
)

func bucketByteSize(keySize, valueSize uint64) uint64 {
	return MapBucketCells + MapBucketCells*keySize + MapBucketCells*valueSize
}

func bucketAddr(bucketsPtr MemoryAddress, keySize, valueSize, bucketIdx uint64) MemoryAddress {
	return bucketsPtr.Add(bucketIdx * bucketByteSize(keySize, valueSize))
}

func cellTophashAddr(b MemoryAddress, cell uint64) MemoryAddress { return b.Add(cell) }

func cellKeyAddr(b MemoryAddress, keySize, cell uint64) MemoryAddress {
	return b.Add(MapBucketCells + cell*keySize)
}

func cellValueAddr(b MemoryAddress, keySize, valueSize, cell uint64) MemoryAddress {
	return b.Add(MapBucketCells + MapBucketCells*keySize + cell*valueSize)
}

// hashKey implements "Hash = DefaultHasher(key_bytes) xor seed" using the
// standard library's FNV-1a (no pack example wires a dedicated hashing
// library for this, and the algorithm itself is not a domain concern that
// needs one - see DESIGN.md).
func hashKey(keyBytes []byte, seed uint64) uint64 {
	h := fnv.New64a()
	h.Write(keyBytes)
	return h.Sum64() ^ seed
}

// topHashOf derives the 8-bit fingerprint from a hash, clamped so it never
// collides with the two reserved sentinel values (§ Glossary "Tophash").
func topHashOf(hash uint64) byte {
	th := byte(hash >> 48)
	if th < tophashMin {
		th += tophashMin
	}
	return th
}

func mapLogCap(h *Heap, addr MemoryAddress) (uint64, error) {
	b, err := h.Read(addr.Add(mapHdrLogCap), 8)
	if err != nil {
		return 0, err
	}
	return getUint64(b), nil
}

func mapLength(h *Heap, addr MemoryAddress) (uint64, error) {
	b, err := h.Read(addr.Add(mapHdrLength), 8)
	if err != nil {
		return 0, err
	}
	return getUint64(b), nil
}

func mapSeed(h *Heap, addr MemoryAddress) (uint64, error) {
	b, err := h.Read(addr.Add(mapHdrSeed), 8)
	if err != nil {
		return 0, err
	}
	return getUint64(b), nil
}

func mapBucketsPtr(h *Heap, addr MemoryAddress) (MemoryAddress, error) {
	b, err := h.Read(addr.Add(mapHdrBuckets), 8)
	if err != nil {
		return MemoryAddress{}, err
	}
	return UnpackAddressBytes(b), nil
}

func mapSetHeader(h *Heap, addr MemoryAddress, logCap, length, seed uint64, buckets MemoryAddress) error {
	var b [mapHdrSize]byte
	putUint64(b[mapHdrLogCap:], logCap)
	putUint64(b[mapHdrLength:], length)
	putUint64(b[mapHdrSeed:], seed)
	buckets.PackBytes(b[mapHdrBuckets:])
	return h.Write(addr, b[:])
}

func mapSetLength(h *Heap, addr MemoryAddress, length uint64) error {
	var b [8]byte
	putUint64(b[:], length)
	return h.Write(addr.Add(mapHdrLength), b[:])
}

// MapNew allocates an empty map with 1<<logCap buckets.
func MapNew(h *Heap, keySize, valueSize, logCap uint64) (MemoryAddress, error) {
	numBuckets := uint64(1) << logCap
	bucketsArea, err := h.Alloc(numBuckets * bucketByteSize(keySize, valueSize))
	if err != nil {
		return MemoryAddress{}, err
	}
	hdr, err := h.Alloc(mapHdrSize)
	if err != nil {
		return MemoryAddress{}, err
	}
	seed := rand.Uint64()
	if err := mapSetHeader(h, hdr, logCap, 0, seed, bucketsArea); err != nil {
		return MemoryAddress{}, err
	}
	return hdr, nil
}

func MapLen(h *Heap, addr MemoryAddress) (uint64, error) { return mapLength(h, addr) }

func MapClear(h *Heap, addr MemoryAddress, keySize, valueSize uint64) error {
	logCap, err := mapLogCap(h, addr)
	if err != nil {
		return err
	}
	buckets, err := mapBucketsPtr(h, addr)
	if err != nil {
		return err
	}
	numBuckets := uint64(1) << logCap
	zero := make([]byte, numBuckets*bucketByteSize(keySize, valueSize))
	if err := h.Write(buckets, zero); err != nil {
		return err
	}
	return mapSetLength(h, addr, 0)
}

type mapScanResult struct {
	matchCell  int
	matchFound bool
	emptyCell  int
	emptyFound bool
}

// scanBucket linearly scans one bucket's 8 cells, tracking the first empty
// slot and a matching occupied slot, per §4.5 Assign.
func scanBucket(h *Heap, b MemoryAddress, keySize uint64, topHash byte, keyBytes []byte, derefKey func([]byte) ([]byte, error)) (mapScanResult, error) {
	var res mapScanResult
	res.matchCell, res.emptyCell = -1, -1

	for c := uint64(0); c < MapBucketCells; c++ {
		thBytes, err := h.Read(cellTophashAddr(b, c), 1)
		if err != nil {
			return res, err
		}
		th := thBytes[0]

		if th == tophashEmptyRest {
			if !res.emptyFound {
				res.emptyCell, res.emptyFound = int(c), true
			}
			break
		}
		if th == tophashEmptyOne {
			if !res.emptyFound {
				res.emptyCell, res.emptyFound = int(c), true
			}
			continue
		}
		if th == topHash {
			storedKey, err := h.Read(cellKeyAddr(b, keySize, c), keySize)
			if err != nil {
				return res, err
			}
			cmpKey := keyBytes
			if derefKey != nil {
				cmpKey, err = derefKey(storedKey)
				if err != nil {
					return res, err
				}
				var target []byte
				target, err = derefKey(keyBytes)
				if err != nil {
					return res, err
				}
				if bytesEqual(cmpKey, target) {
					res.matchCell, res.matchFound = int(c), true
					break
				}
				continue
			}
			if bytesEqual(storedKey, keyBytes) {
				res.matchCell, res.matchFound = int(c), true
				break
			}
		}
	}

	return res, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MapKeyMaterial produces the bytes that should actually be hashed/compared
// for a key: Vec/String/str-slice keys hash their dereferenced payload,
// everything else hashes its raw on-stack bytes (§4.5).
type MapKeyMaterial struct {
	// Raw is the key's own bytes (e.g. an 8-byte heap address for a string
	// key, or the literal bytes for a plain scalar key).
	Raw []byte
	// Deref, if non-nil, dereferences Raw (interpreted as a heap address of
	// a Vec/String) into the bytes that should actually be hashed/compared.
	Deref func([]byte) ([]byte, error)
}

func (m MapKeyMaterial) hashBytes() ([]byte, error) {
	if m.Deref != nil {
		return m.Deref(m.Raw)
	}
	return m.Raw, nil
}

// MapInsert assigns key->value, resizing as many times as needed. Returns
// the (possibly relocated) map header address and whether this created a
// new entry.
func MapInsert(h *Heap, addr MemoryAddress, key MapKeyMaterial, value []byte, keySize, valueSize uint64) (MemoryAddress, bool, error) {
	for {
		hashBytes, err := key.hashBytes()
		if err != nil {
			return addr, false, err
		}
		seed, err := mapSeed(h, addr)
		if err != nil {
			return addr, false, err
		}
		hash := hashKey(hashBytes, seed)
		topHash := topHashOf(hash)

		logCap, err := mapLogCap(h, addr)
		if err != nil {
			return addr, false, err
		}
		bucketsPtr, err := mapBucketsPtr(h, addr)
		if err != nil {
			return addr, false, err
		}
		bucketIdx := hash & ((uint64(1) << logCap) - 1)
		b := bucketAddr(bucketsPtr, keySize, valueSize, bucketIdx)

		res, err := scanBucket(h, b, keySize, topHash, key.Raw, func(raw []byte) ([]byte, error) {
			if key.Deref == nil {
				return raw, nil
			}
			return key.Deref(raw)
		})
		if err != nil {
			return addr, false, err
		}

		if res.matchFound {
			if err := h.Write(cellValueAddr(b, keySize, valueSize, uint64(res.matchCell)), value); err != nil {
				return addr, false, err
			}
			return addr, false, nil
		}

		if res.emptyFound {
			length, err := mapLength(h, addr)
			if err != nil {
				return addr, false, err
			}
			totalCells := (uint64(1) << logCap) * MapBucketCells
			if 4*(length+1) > 3*totalCells {
				newAddr, err := mapResize(h, addr, keySize, valueSize, key.Deref)
				if err != nil {
					return addr, false, err
				}
				addr = newAddr
				continue
			}

			if err := h.Write(cellTophashAddr(b, uint64(res.emptyCell)), []byte{topHash}); err != nil {
				return addr, false, err
			}
			if err := h.Write(cellKeyAddr(b, keySize, uint64(res.emptyCell)), key.Raw); err != nil {
				return addr, false, err
			}
			if err := h.Write(cellValueAddr(b, keySize, valueSize, uint64(res.emptyCell)), value); err != nil {
				return addr, false, err
			}
			if err := mapSetLength(h, addr, length+1); err != nil {
				return addr, false, err
			}
			return addr, true, nil
		}

		// Bucket full with no match and no empty cell: resize and retry.
		newAddr, err := mapResize(h, addr, keySize, valueSize, key.Deref)
		if err != nil {
			return addr, false, err
		}
		addr = newAddr
	}
}

// mapResize doubles log_cap (looping further if a single bucket would still
// overflow) and re-hashes every occupied cell into the new table (§4.5).
// derefKey mirrors MapKeyMaterial.Deref: nil for scalar keys, or the
// payload-dereferencing func for String/Vec keys, so a rehashed key lands
// in the same bucket a subsequent correctly-dereferenced Get/Insert/Delete
// would look in (scanBucket/hashBytes apply the same deref elsewhere).
func mapResize(h *Heap, addr MemoryAddress, keySize, valueSize uint64, derefKey func([]byte) ([]byte, error)) (MemoryAddress, error) {
	logCap, err := mapLogCap(h, addr)
	if err != nil {
		return addr, err
	}
	seed, err := mapSeed(h, addr)
	if err != nil {
		return addr, err
	}
	oldBuckets, err := mapBucketsPtr(h, addr)
	if err != nil {
		return addr, err
	}
	oldNumBuckets := uint64(1) << logCap

	type entry struct{ key, value []byte }
	var entries []entry
	for bi := uint64(0); bi < oldNumBuckets; bi++ {
		b := bucketAddr(oldBuckets, keySize, valueSize, bi)
		for c := uint64(0); c < MapBucketCells; c++ {
			thBytes, err := h.Read(cellTophashAddr(b, c), 1)
			if err != nil {
				return addr, err
			}
			if thBytes[0] < tophashMin {
				continue
			}
			key, err := h.Read(cellKeyAddr(b, keySize, c), keySize)
			if err != nil {
				return addr, err
			}
			val, err := h.Read(cellValueAddr(b, keySize, valueSize, c), valueSize)
			if err != nil {
				return addr, err
			}
			entries = append(entries, entry{append([]byte(nil), key...), append([]byte(nil), val...)})
		}
	}

	newLogCap := logCap + 1
	for {
		numBuckets := uint64(1) << newLogCap
		newBucketsArea, err := h.Alloc(numBuckets * bucketByteSize(keySize, valueSize))
		if err != nil {
			return addr, err
		}

		ok := true
		for _, e := range entries {
			hashBytes := e.key
			if derefKey != nil {
				hashBytes, err = derefKey(e.key)
				if err != nil {
					return addr, err
				}
			}
			hash := hashKey(hashBytes, seed)
			topHash := topHashOf(hash)
			bucketIdx := hash & (numBuckets - 1)
			b := bucketAddr(newBucketsArea, keySize, valueSize, bucketIdx)

			placed := false
			for c := uint64(0); c < MapBucketCells; c++ {
				thBytes, err := h.Read(cellTophashAddr(b, c), 1)
				if err != nil {
					return addr, err
				}
				if thBytes[0] < tophashMin {
					if err := h.Write(cellTophashAddr(b, c), []byte{topHash}); err != nil {
						return addr, err
					}
					if err := h.Write(cellKeyAddr(b, keySize, c), e.key); err != nil {
						return addr, err
					}
					if err := h.Write(cellValueAddr(b, keySize, valueSize, c), e.value); err != nil {
						return addr, err
					}
					placed = true
					break
				}
			}
			if !placed {
				ok = false
				break
			}
		}

		if ok {
			if err := h.Free(oldBuckets); err != nil {
				return addr, err
			}
			length, err := mapLength(h, addr)
			if err != nil {
				return addr, err
			}
			if err := mapSetHeader(h, addr, newLogCap, length, seed, newBucketsArea); err != nil {
				return addr, err
			}
			return addr, nil
		}

		if err := h.Free(newBucketsArea); err != nil {
			return addr, err
		}
		newLogCap++
	}
}

// MapGet returns the value bytes for key, or (nil,false) if absent.
func MapGet(h *Heap, addr MemoryAddress, key MapKeyMaterial, keySize, valueSize uint64) ([]byte, bool, error) {
	hashBytes, err := key.hashBytes()
	if err != nil {
		return nil, false, err
	}
	seed, err := mapSeed(h, addr)
	if err != nil {
		return nil, false, err
	}
	hash := hashKey(hashBytes, seed)
	topHash := topHashOf(hash)

	logCap, err := mapLogCap(h, addr)
	if err != nil {
		return nil, false, err
	}
	bucketsPtr, err := mapBucketsPtr(h, addr)
	if err != nil {
		return nil, false, err
	}
	bucketIdx := hash & ((uint64(1) << logCap) - 1)
	b := bucketAddr(bucketsPtr, keySize, valueSize, bucketIdx)

	res, err := scanBucket(h, b, keySize, topHash, key.Raw, func(raw []byte) ([]byte, error) {
		if key.Deref == nil {
			return raw, nil
		}
		return key.Deref(raw)
	})
	if err != nil {
		return nil, false, err
	}
	if !res.matchFound {
		return nil, false, nil
	}
	val, err := h.Read(cellValueAddr(b, keySize, valueSize, uint64(res.matchCell)), valueSize)
	return val, true, err
}

// MapDelete removes key if present; the vacated cell is marked with the
// "this cell only" tophash (1) so later probes in the same bucket still
// find keys placed after it.
func MapDelete(h *Heap, addr MemoryAddress, key MapKeyMaterial, keySize, valueSize uint64) (bool, error) {
	hashBytes, err := key.hashBytes()
	if err != nil {
		return false, err
	}
	seed, err := mapSeed(h, addr)
	if err != nil {
		return false, err
	}
	hash := hashKey(hashBytes, seed)
	topHash := topHashOf(hash)

	logCap, err := mapLogCap(h, addr)
	if err != nil {
		return false, err
	}
	bucketsPtr, err := mapBucketsPtr(h, addr)
	if err != nil {
		return false, err
	}
	bucketIdx := hash & ((uint64(1) << logCap) - 1)
	b := bucketAddr(bucketsPtr, keySize, valueSize, bucketIdx)

	res, err := scanBucket(h, b, keySize, topHash, key.Raw, func(raw []byte) ([]byte, error) {
		if key.Deref == nil {
			return raw, nil
		}
		return key.Deref(raw)
	})
	if err != nil {
		return false, err
	}
	if !res.matchFound {
		return false, nil
	}

	if err := h.Write(cellTophashAddr(b, uint64(res.matchCell)), []byte{tophashEmptyOne}); err != nil {
		return false, err
	}
	length, err := mapLength(h, addr)
	if err != nil {
		return false, err
	}
	return true, mapSetLength(h, addr, length-1)
}

// MapIterKind selects what MapIterate materializes per entry.
type MapIterKind int

const (
	MapIterKeys MapIterKind = iota
	MapIterValues
	MapIterItems
)

// MapIterate scans every bucket and materializes a heap vector of addresses
// (one per occupied cell, or a pair for Items), per §4.5.
func MapIterate(h *Heap, addr MemoryAddress, keySize, valueSize uint64, kind MapIterKind) (MemoryAddress, error) {
	logCap, err := mapLogCap(h, addr)
	if err != nil {
		return MemoryAddress{}, err
	}
	bucketsPtr, err := mapBucketsPtr(h, addr)
	if err != nil {
		return MemoryAddress{}, err
	}
	numBuckets := uint64(1) << logCap

	elemSize := uint64(PointerSize)
	if kind == MapIterItems {
		elemSize = 2 * PointerSize
	}

	out, err := VecNew(h, elemSize, MapBucketCells)
	if err != nil {
		return MemoryAddress{}, err
	}

	for bi := uint64(0); bi < numBuckets; bi++ {
		b := bucketAddr(bucketsPtr, keySize, valueSize, bi)
		for c := uint64(0); c < MapBucketCells; c++ {
			thBytes, err := h.Read(cellTophashAddr(b, c), 1)
			if err != nil {
				return MemoryAddress{}, err
			}
			if thBytes[0] < tophashMin {
				continue
			}

			keyAddr := cellKeyAddr(b, keySize, c)
			valAddr := cellValueAddr(b, keySize, valueSize, c)

			var rec [2 * PointerSize]byte
			switch kind {
			case MapIterKeys:
				keyAddr.PackBytes(rec[:PointerSize])
				out, err = VecPush(h, out, elemSize, rec[:PointerSize])
			case MapIterValues:
				valAddr.PackBytes(rec[:PointerSize])
				out, err = VecPush(h, out, elemSize, rec[:PointerSize])
			default:
				keyAddr.PackBytes(rec[:PointerSize])
				valAddr.PackBytes(rec[PointerSize:])
				out, err = VecPush(h, out, elemSize, rec[:])
			}
			if err != nil {
				return MemoryAddress{}, err
			}
		}
	}

	return out, nil
}
