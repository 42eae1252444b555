package announce

import (
	"fmt"
	"time"
)

// anchor renders a window boundary date the way the countdown traffic shows
// it, e.g. "1/05".
func anchor(t time.Time) string {
	return fmt.Sprintf("%d/%02d", int(t.Month()), t.Day())
}

// DailyMessage is the once-a-day scheduled announcement body.
func DailyMessage(now time.Time, w Window) string {
	switch w.Classify(now) {
	case PhaseFirstDay:
		return fmt.Sprintf("(%s) 今天是期末考第一天！Fight！！💪📚", anchor(w.Start))
	case PhaseMid:
		local := now.In(w.Start.Location())
		return fmt.Sprintf("(%d/%d) 期末考進行中！加油！！🔥", int(local.Month()), local.Day())
	case PhaseLastDay:
		return fmt.Sprintf("(%s) 今天是期末考最後一天！撐住！！🎯", anchor(w.End))
	case PhaseAfter:
		return fmt.Sprintf("📘 期末考已經結束 %d 天，辛苦了～🎉", w.DaysSinceEnd(now))
	default:
		return fmt.Sprintf("📘 期末考倒數：還剩 **%d 天**！（考試第一天：%s）", w.DaysUntilStart(now), anchor(w.Start))
	}
}

// CountdownMessage is the on-demand variant shown by the countdown command.
func CountdownMessage(now time.Time, w Window) string {
	if !w.Configured() {
		return "📘 目前沒有設定期末考日期。"
	}
	switch w.Classify(now) {
	case PhaseBefore:
		return fmt.Sprintf("📘 距離期末考第一天（%s）還有 **%d 天**！", anchor(w.Start), w.DaysUntilStart(now))
	case PhaseFirstDay:
		return fmt.Sprintf("📘 今天是期末考第一天（%s）！Fight！！🔥", anchor(w.Start))
	case PhaseMid:
		return fmt.Sprintf("📘 期末考進行中（第 **%d 天**）！\n⏳ 距離最後一天（%s）還有 **%d 天**",
			w.DayNumber(now), anchor(w.End), w.DaysToEnd(now))
	case PhaseLastDay:
		return fmt.Sprintf("📘 今天是期末考最後一天（%s） 解脫了！", anchor(w.End))
	default:
		return fmt.Sprintf("🎉 期末考已結束 **%d 天**，辛苦了～", w.DaysSinceEnd(now))
	}
}
