package server

// readChunkSize sizes each connection's buffered reader — a single
// pooled-buffer shape is enough here since, unlike aistore's memsys slab
// allocator (memsys.MMSA), this server never needs a scatter-gather list
// of growable slabs, just one scratch read buffer per connection.
const readChunkSize = 8 * 1024
