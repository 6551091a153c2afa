package detector

import "fmt"

// Entry — зарегистрированный детектор с категорией и порогом.
type Entry struct {
	// Category — имя категории (lowercase)
	Category string
	// Threshold — порог срабатывания в [0,1]
	Threshold float64
	// Detector — анализатор категории
	Detector Detector
}

// Registry — упорядоченный неизменяемый набор детекторов.
// Формируется один раз при старте, порядок категорий в вердикте
// повторяет порядок регистрации.
type Registry struct {
	entries []Entry
	byName  map[string]int
}

// NewRegistry создаёт реестр из списка записей.
// Дубликат категории или порог вне [0,1] — ошибка конфигурации.
func NewRegistry(entries []Entry) (*Registry, error) {
	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Category == "" {
			return nil, fmt.Errorf("категория детектора #%d пуста", i)
		}
		if e.Detector == nil {
			return nil, fmt.Errorf("детектор категории %q не задан", e.Category)
		}
		if e.Threshold < 0 || e.Threshold > 1 {
			return nil, fmt.Errorf("порог категории %q вне диапазона [0,1]: %v", e.Category, e.Threshold)
		}
		if _, dup := byName[e.Category]; dup {
			return nil, fmt.Errorf("категория %q зарегистрирована дважды", e.Category)
		}
		byName[e.Category] = i
	}

	return &Registry{
		entries: append([]Entry(nil), entries...),
		byName:  byName,
	}, nil
}

// Entries возвращает записи в порядке регистрации.
// Возвращаемый slice нельзя модифицировать.
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Lookup возвращает запись по имени категории.
func (r *Registry) Lookup(category string) (Entry, bool) {
	i, ok := r.byName[category]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Len возвращает количество зарегистрированных детекторов.
func (r *Registry) Len() int {
	return len(r.entries)
}
