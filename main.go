package main

import (
	"corevm/logging"
	"corevm/mem"
	"corevm/vm"
)

func main() {
	logger := logging.CreateDebugLogger()

	alloc, err := mem.NewFrameAllocator(*logger, &mem.MemoryOptions{
		KernelEndByte: 1 * 1024 * 1024, // kernel image below 1MB
		PhysTopByte:   2 * 1024 * 1024,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create frame allocator")
		return
	}

	parent, err := vm.NewAddressSpace(*logger, alloc)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create parent address space")
		return
	}

	const va = uint64(0x10000)

	frame, err := alloc.Allocate()
	if err != nil {
		logger.Error().Err(err).Msg("failed to allocate a frame")
		return
	}

	if err := parent.Map(va, mem.PAGE_SIZE_BYTE, frame, vm.FlagReadable|vm.FlagWritable|vm.FlagUser); err != nil {
		logger.Error().Err(err).Msg("failed to map the page")
		return
	}
	parent.WriteBytes(va, []byte("hello world"))

	child, err := vm.NewAddressSpace(*logger, alloc)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create child address space")
		return
	}
	if err := parent.CloneShared(child, va, mem.PAGE_SIZE_BYTE); err != nil {
		logger.Error().Err(err).Msg("failed to clone the parent mapping")
		return
	}
	logger.Info().Msgf("after fork frame %#x has %d references", frame, alloc.RefCount(frame))

	// first write after the fork, the parent takes a private copy
	if err := parent.WriteBytes(va, []byte("hello again")); err != nil {
		logger.Error().Err(err).Msg("failed to write through the cow mapping")
		return
	}

	buffer := make([]byte, 11)
	child.ReadBytes(va, buffer)
	logger.Info().Msgf("child still reads %q", string(buffer))
	parent.ReadBytes(va, buffer)
	logger.Info().Msgf("parent now reads %q", string(buffer))
	logger.Info().Msgf("%d free frames remain", alloc.FreeFrames())
}
