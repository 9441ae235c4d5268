package lib

import (
	"testing"
)

func TestExpandBlock(t *testing.T) {
	testCases := []struct {
		wire     uint16
		ref      uint32
		expected uint32
	}{
		{wire: 1, ref: 1, expected: 1},             // first block
		{wire: 17, ref: 5, expected: 17},           // ahead inside the window
		{wire: 3, ref: 5, expected: 3},             // behind, duplicate
		{wire: 0, ref: 65535, expected: 65536},     // wrap-around going forward
		{wire: 2, ref: 65534, expected: 65538},     // wrap-around going forward
		{wire: 65535, ref: 65537, expected: 65535}, // late block from before the wrap
		{wire: 65535, ref: 1, expected: 65535},     // cannot go below zero
		{wire: 4, ref: 131070, expected: 131076},   // second wrap
	}

	for _, tc := range testCases {
		result := expandBlock(tc.wire, tc.ref)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %d, but got %d", tc.wire, tc.ref, tc.expected, result)
		}
		if wireBlock(result) != tc.wire {
			t.Errorf("wireBlock(%d) = %d, want %d", result, wireBlock(result), tc.wire)
		}
	}
}

func TestBlockOffset(t *testing.T) {
	testCases := []struct {
		base      uint32
		block     uint32
		blockSize uint16
		expected  uint32
	}{
		{base: 0, block: 1, blockSize: 240, expected: 0},
		{base: 0, block: 3, blockSize: 240, expected: 480},
		{base: 40, block: 1, blockSize: 16, expected: 40},
		{base: 40, block: 2, blockSize: 16, expected: 56},
	}

	for _, tc := range testCases {
		if result := blockOffset(tc.base, tc.block, tc.blockSize); result != tc.expected {
			t.Errorf("blockOffset(%d, %d, %d) = %d, want %d", tc.base, tc.block, tc.blockSize, result, tc.expected)
		}
	}
}

func TestStorageName(t *testing.T) {
	testCases := []struct {
		peer     Addr
		expected string
	}{
		{peer: "24:0a:c4:12:ab:ff", expected: "240ac412abff"},
		{peer: "192.168.4.1:7080", expected: "192_168_4_1_7080"},
		{peer: "node-a", expected: "node_a"},
	}

	for _, tc := range testCases {
		if result := StorageName(tc.peer); result != tc.expected {
			t.Errorf("StorageName(%q) = %q, want %q", tc.peer, result, tc.expected)
		}
	}
}
