package farmagent

import "sort"

// Built-in task types. Feature implementations live outside the engine; the
// types are declared here so priorities and reschedule defaults have stable
// keys.
const (
	TaskEventRush   TaskType = "event_rush"
	TaskArena       TaskType = "arena"
	TaskDailyQuest  TaskType = "daily_quest"
	TaskHarvest     TaskType = "harvest"
	TaskGuildDonate TaskType = "guild_donate"
	TaskMailCollect TaskType = "mail_collect"
	TaskShopRefresh TaskType = "shop_refresh"
	TaskExplore     TaskType = "explore"
)

// defaultPriorities is the static priority table: higher runs first.
// Long-running background chores (explore) sit at the bottom so they are the
// ones preempted by the interrupt callback.
var defaultPriorities = map[TaskType]int{
	TaskEventRush:   80,
	TaskArena:       70,
	TaskDailyQuest:  60,
	TaskHarvest:     50,
	TaskGuildDonate: 45,
	TaskMailCollect: 40,
	TaskShopRefresh: 30,
	TaskExplore:     20,
}

// DefaultPriority returns the static table priority for taskType, or 0 for
// unknown types.
func DefaultPriority(taskType TaskType) int {
	return defaultPriorities[taskType]
}

// SortIntentsByPriority orders intents highest priority first, preserving
// the relative order of equal-priority intents.
func SortIntentsByPriority(intents []*Intent) {
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].Priority > intents[j].Priority
	})
}

// minIntentPriority returns the lowest priority present in intents, used as
// the re-scan urgency floor. Returns 0 for an empty slice.
func minIntentPriority(intents []*Intent) int {
	if len(intents) == 0 {
		return 0
	}
	min := intents[0].Priority
	for _, it := range intents[1:] {
		if it.Priority < min {
			min = it.Priority
		}
	}
	return min
}
