package jit

// resolve implements §4.4: walk the pending fixup list and patch each
// branch displacement now that pc_locs, exit_loc, and div_by_zero_loc are
// all known. External-call displacements are not part of this list —
// they are resolved immediately at emission time (see emitExternalCall)
// since their target is an absolute address rather than a buffer offset.
func (t *translator) resolve() error {
	for _, j := range t.jumps {
		target, err := t.resolveTarget(j.target)
		if err != nil {
			return err
		}
		if !t.buf.PatchRel32(j.f, target) {
			return newErr(KindDisplacementOverflow, -1,
				"branch displacement at buffer offset %d to target %d overflows signed 32 bits", j.f.DispLoc, target)
		}
		t.cfg.warnFixup(j.f.DispLoc, target, "patched branch fixup")
	}
	return nil
}

func (t *translator) resolveTarget(target int) (int, error) {
	switch target {
	case targetExit:
		return t.exitLoc, nil
	case targetDivByZero:
		return t.divByZeroLoc, nil
	default:
		if target < 0 || target >= len(t.pcLocs) {
			return 0, newErr(KindUnknownOpcode, -1, "branch target pc %d out of range", target)
		}
		return t.pcLocs[target], nil
	}
}
