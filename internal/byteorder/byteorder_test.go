package byteorder_test

import (
	"math"
	"testing"

	"github.com/blukai/bigbattle/internal/byteorder"
	"github.com/matryer/is"
)

func TestNetworkOrder(t *testing.T) {
	is := is.New(t)

	is.Equal(byteorder.Htons(0x0102), []byte{0x01, 0x02})
	is.Equal(byteorder.Htonl(0x01020304), []byte{0x01, 0x02, 0x03, 0x04})
	is.Equal(byteorder.Htonll(0x0102030405060708), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	is.Equal(byteorder.Ntohs([]byte{0xff, 0xfe}), uint16(0xfffe))
	is.Equal(byteorder.Ntohl(byteorder.Htonl(math.MaxUint32)), uint32(math.MaxUint32))
	is.Equal(byteorder.Ntohll(byteorder.Htonll(42)), uint64(42))
}
