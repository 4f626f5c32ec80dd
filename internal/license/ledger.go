package license

import "math"

// Evaluate reconciles rec with fresh wall and monotonic readings and
// returns the updated record with its verdict. It has no side effects.
//
// A wall clock more than SmallSkewSecs behind the last checkpoint yields a
// Tampered verdict and rec unchanged, so a rolled-back clock can never
// bank a new checkpoint. Otherwise usage grows by the monotonic delta
// (clamped at zero) plus the forward wall jump (capped at
// ForwardJumpCapSecs), and the checkpoint advances.
func Evaluate(rec Record, nowWall int64, nowMono float64, p Policy) (Record, Verdict) {
	if nowWall+p.SmallSkewSecs < rec.LastWall {
		return rec, rollbackVerdict
	}

	deltaMono := math.Max(0, nowMono-rec.LastMono)

	forwardJump := nowWall - rec.LastWall
	if forwardJump < 0 {
		forwardJump = 0
	}
	honoredForward := min(forwardJump, p.ForwardJumpCapSecs)

	next := rec
	next.ConsumedSecs = rec.ConsumedSecs + int64(math.Floor(deltaMono+float64(honoredForward)))
	next.LastWall = nowWall
	next.LastMono = nowMono
	if next.ConsumedSecs < rec.ConsumedSecs {
		// overflow on absurd inputs; never let usage shrink
		next.ConsumedSecs = math.MaxInt64
	}

	return next, expiryVerdict(next, nowWall, p.UsageCapSecs)
}

func expiryVerdict(rec Record, nowWall, usageCap int64) Verdict {
	calendarOK := nowWall < rec.ExpiresAt
	usageOK := rec.ConsumedSecs < usageCap

	switch {
	case calendarOK && usageOK:
		return activeVerdict
	case !calendarOK && !usageOK:
		return Verdict{Kind: VerdictExpired, Reason: ReasonCalendarUsage}
	case !calendarOK:
		return Verdict{Kind: VerdictExpired, Reason: ReasonCalendar}
	default:
		return Verdict{Kind: VerdictExpired, Reason: ReasonUsage}
	}
}

// remainingDays is the optimistic calendar countdown, floored.
func remainingDays(expiresAt, nowWall int64) int {
	left := expiresAt - nowWall
	if left <= 0 {
		return 0
	}
	return int(left / SecondsPerDay)
}
