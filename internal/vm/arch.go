package vm

import "github.com/d7kernel/d7kernel/internal/arch"

func writeCR3(phys uint64)    { arch.WriteCR3(phys) }
func invalidate(v uintptr)    { arch.InvalidatePage(v) }
