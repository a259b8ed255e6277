package capture

import "fmt"

// recomputeSize works out a frame size, block size, and block count that
// satisfy AF_PACKET's PACKET_MMAP alignment rules for a target ring-buffer
// budget. Adapted unchanged from the teacher's
// internal/source/afpacket/util.go (same TPACKET alignment math), moved
// here since LiveInput now owns the AF_PACKET setup directly instead of
// going through a factory-registered Source.
func recomputeSize(ringBufferSizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if ringBufferSizeMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ringBufferSizeMB must be positive, got %d", ringBufferSizeMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snapLen must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("pageSize must be positive and a multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	targetBytes := ringBufferSizeMB * 1024 * 1024

	rawFrameSize := tpacketHdrLen + snapLen
	frameSize = ((rawFrameSize + tpacketAlignment - 1) / tpacketAlignment) * tpacketAlignment

	minBlockSize := pageSize
	if minBlockSize < frameSize {
		minBlockSize = frameSize
	}

	blockSize = lcm(pageSize, frameSize)

	const maxBlockSize = 4 * 1024 * 1024
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}
	if blockSize > maxBlockSize {
		blockSize = maxBlockSize
		blockSize = (blockSize / pageSize) * pageSize
	}

	numBlocks = targetBytes / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}

	if blockSize%frameSize != 0 {
		framesPerBlock := blockSize / frameSize
		if framesPerBlock < 1 {
			framesPerBlock = 1
		}
		blockSize = framesPerBlock * frameSize
		blockSize = ((blockSize + pageSize - 1) / pageSize) * pageSize
	}

	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return (a * b) / gcd(a, b)
}
