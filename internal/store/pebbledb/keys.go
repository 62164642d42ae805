package pebbledb

import "encoding/binary"

// Key layout. Numeric key segments are big-endian so Pebble's lexical order
// matches numeric order.
//
//	proj/{project}                      project metadata (JSON)
//	item/{project}/{item}               item record (JSON)
//	queue/{project}/{prio:4B}/{seq:8B}  pending index; value = item name.
//	                                    Present only while should_handout.
//	ho/{handoutID}                      handout record (JSON)
//	hb/{lastHeartbeatMs:8B}/{handoutID} liveness index for the reaper.
//	                                    Present only while in_progress.
//	active/{project}/{item}             value = handoutID of the single
//	                                    in_progress handout.
//	count/{project}/{status}            8-byte counter
//	seq/{project}                       8-byte last insertion sequence
//	ledger/{project}                    ledger snapshot (JSON)
//	compl/{project}/{id:16B}            completion record (framed)
const (
	prefixProject = "proj/"
	prefixItem    = "item/"
	prefixQueue   = "queue/"
	prefixHandout = "ho/"
	prefixHB      = "hb/"
	prefixActive  = "active/"
	prefixCount   = "count/"
	prefixSeq     = "seq/"
	prefixLedger  = "ledger/"
)

func projectKey(project string) []byte {
	return []byte(prefixProject + project)
}

func itemKey(project, item string) []byte {
	return []byte(prefixItem + project + "/" + item)
}

// queueKey orders pending items by (priority, seq): lower priority first,
// then insertion order. The sign bit is flipped so negative priorities sort
// before positive ones under Pebble's unsigned byte comparison.
func queueKey(project string, priority int32, seq uint64) []byte {
	prefix := prefixQueue + project + "/"
	key := make([]byte, len(prefix)+4+8)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uint32(priority) ^ 1<<31)
	binary.BigEndian.PutUint64(key[len(prefix)+4:], seq)
	return key
}

func queuePrefix(project string) []byte {
	return []byte(prefixQueue + project + "/")
}

func handoutKey(id string) []byte {
	return []byte(prefixHandout + id)
}

// hbKey indexes in_progress handouts by last heartbeat so the reaper scans
// oldest-first and stops at the expiry boundary.
func hbKey(lastHeartbeatMs int64, handoutID string) []byte {
	key := make([]byte, len(prefixHB)+8+len(handoutID))
	copy(key, prefixHB)
	binary.BigEndian.PutUint64(key[len(prefixHB):], uint64(lastHeartbeatMs))
	copy(key[len(prefixHB)+8:], handoutID)
	return key
}

func hbPrefix() []byte {
	return []byte(prefixHB)
}

func activeKey(project, item string) []byte {
	return []byte(prefixActive + project + "/" + item)
}

func countKey(project, status string) []byte {
	return []byte(prefixCount + project + "/" + status)
}

func seqKey(project string) []byte {
	return []byte(prefixSeq + project)
}

func ledgerKey(project string) []byte {
	return []byte(prefixLedger + project)
}

// keyUpperBound returns the exclusive end key for a prefix scan: the shortest
// key greater than every key carrying the prefix. A nil result means no upper
// bound exists (the prefix is all 0xFF bytes).
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
