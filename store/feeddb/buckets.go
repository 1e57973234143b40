package feeddb

// Bucket names for bbolt storage.
var (
	// Status records - account + status id -> StatusRecord JSON
	bucketStatuses = []byte("statuses")

	// Account cursors - account id -> AccountContext JSON
	bucketAccounts = []byte("accounts")

	// Viewed markers - account + underlying status id -> ViewedMarker JSON
	bucketMarkers = []byte("markers")

	// Media payloads - blob ref -> framed (optionally zstd) bytes
	bucketBlobs = []byte("blobs")

	// Media payload tracking - blob ref -> BlobEntry JSON
	bucketBlobsByHash = []byte("blobs_by_hash")
)

// makeAccountKey creates a compound key scoped to one account partition.
// Format: [account][separator][id]
func makeAccountKey(accountID, id string) []byte {
	result := make([]byte, len(accountID)+1+len(id))
	copy(result, accountID)
	result[len(accountID)] = 0 // null separator
	copy(result[len(accountID)+1:], id)
	return result
}

// accountPrefix returns the key prefix covering one account partition.
func accountPrefix(accountID string) []byte {
	return append([]byte(accountID), 0)
}

// parseAccountKey extracts the account and id from a compound key.
func parseAccountKey(data []byte) (accountID, id string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}
