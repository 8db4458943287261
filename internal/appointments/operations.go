package appointments

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	openHour    = 9
	closeHour   = 18
	slotMinutes = 30

	dateLayout = "2006-01-02"
	slotLayout = "03:04 PM"

	businessHours = "9:00 AM - 6:00 PM"
)

// Slots lists every bookable slot of the day, e.g. "09:00 AM" to "05:30 PM".
func Slots(date string) ([]string, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("date %q is not YYYY-MM-DD: %w", date, err)
	}
	var slots []string
	end := day.Add(closeHour * time.Hour)
	for t := day.Add(openHour * time.Hour); t.Before(end); t = t.Add(slotMinutes * time.Minute) {
		slots = append(slots, t.Format(slotLayout))
	}
	return slots, nil
}

func bookedSlots(db database, date string) map[string]bool {
	out := map[string]bool{}
	for _, a := range db.Appointments {
		if a.Date == date && a.Status == StatusBooked {
			out[a.Time] = true
		}
	}
	return out
}

func available(all []string, booked map[string]bool) []string {
	out := []string{}
	for _, s := range all {
		if !booked[s] {
			out = append(out, s)
		}
	}
	return out
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (s *Store) IdentifyUser(userID string) map[string]any {
	uid := NormalizeID(userID)
	if len(uid) < 4 {
		return map[string]any{
			"status":  "invalid",
			"message": fmt.Sprintf("'%s' is not a valid 4-digit ID. Please ask for a valid ID.", userID),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	user, ok := db.Users[uid]
	if !ok {
		return map[string]any{
			"status":  "not_found",
			"user_id": uid,
			"message": fmt.Sprintf("No user found with ID %s. Ask if they'd like to register as a new user.", uid),
		}
	}

	active := []Appointment{}
	for _, a := range db.Appointments {
		if a.UserID == uid && a.Status == StatusBooked {
			active = append(active, a)
		}
	}
	logger.Info("user found", "user_id", uid, "name", user.Name, "active", len(active))
	return map[string]any{
		"status":              "found",
		"user":                user,
		"active_appointments": active,
		"last_call_summary":   s.lastSummaryLocked(uid),
		"message":             fmt.Sprintf("Welcome back, %s! You have %d active appointment(s).", user.Name, len(active)),
	}
}

func (s *Store) RegisterUser(name string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	id := newUserID(db.Users)
	db.Users[id] = User{Name: name, UserID: id}
	if err := s.save(db); err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	logger.Info("registered user", "user_id", id, "name", name)
	return map[string]any{
		"status":  "registered",
		"user_id": id,
		"name":    name,
		"message": fmt.Sprintf("Registered %s with ID %s. Please remember your ID for future visits.", name, id),
	}, nil
}

func (s *Store) FetchSlots(date string) (map[string]any, error) {
	all, err := Slots(date)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	db := s.load()
	s.mu.Unlock()

	booked := bookedSlots(db, date)
	free := available(all, booked)
	taken := []string{}
	for _, slot := range all {
		if booked[slot] {
			taken = append(taken, slot)
		}
	}
	logger.Info("fetched slots", "date", date, "available", len(free), "booked", len(taken))
	return map[string]any{
		"status":          "ok",
		"date":            date,
		"business_hours":  businessHours,
		"total_slots":     len(all),
		"available_count": len(free),
		"booked_count":    len(taken),
		"available_slots": free,
		"booked_slots":    taken,
	}, nil
}

func (s *Store) BookAppointment(userID, name, date, slot, purpose string) (map[string]any, error) {
	uid := NormalizeID(userID)
	all, err := Slots(date)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(all, slot) {
		sample := append(append(slices.Clone(all[:5]), "..."), all[len(all)-3:]...)
		return map[string]any{
			"status":             "invalid_slot",
			"message":            fmt.Sprintf("'%s' is not a valid slot. Business hours are %s, 30-min intervals.", slot, businessHours),
			"valid_slots_sample": sample,
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	booked := bookedSlots(db, date)
	for _, a := range db.Appointments {
		if a.UserID == uid && a.Date == date && a.Time == slot && a.Status == StatusBooked {
			return map[string]any{
				"status":         "already_booked",
				"message":        fmt.Sprintf("You already have an appointment at %s on %s.", slot, date),
				"appointment_id": a.AppointmentID,
			}, nil
		}
	}
	if booked[slot] {
		return map[string]any{
			"status":                 "conflict",
			"message":                fmt.Sprintf("The slot %s on %s is already booked.", slot, date),
			"suggested_alternatives": firstN(available(all, booked), 5),
		}, nil
	}

	if u, ok := db.Users[uid]; !ok {
		db.Users[uid] = User{Name: name, UserID: uid}
	} else if u.Name == "" && name != "" {
		u.Name = name
		db.Users[uid] = u
	}

	appt := Appointment{
		AppointmentID: uuid.NewString()[:8],
		UserID:        uid,
		Name:          name,
		Date:          date,
		Time:          slot,
		Purpose:       purpose,
		Status:        StatusBooked,
		CreatedAt:     s.now(),
	}
	db.Appointments = append(db.Appointments, appt)
	if err := s.save(db); err != nil {
		return nil, fmt.Errorf("book appointment: %w", err)
	}
	logger.Info("booked appointment", "appointment_id", appt.AppointmentID, "user_id", uid, "date", date, "time", slot)
	return map[string]any{
		"status":         "booked",
		"appointment_id": appt.AppointmentID,
		"user_id":        uid,
		"name":           name,
		"date":           date,
		"time":           slot,
		"purpose":        purpose,
		"message":        fmt.Sprintf("Appointment booked for %s on %s at %s. ID: %s", name, date, slot, appt.AppointmentID),
	}, nil
}

func (s *Store) RetrieveAppointments(userID string) map[string]any {
	uid := NormalizeID(userID)

	s.mu.Lock()
	db := s.load()
	s.mu.Unlock()

	active, cancelled := []Appointment{}, []Appointment{}
	for _, a := range db.Appointments {
		if a.UserID != uid {
			continue
		}
		switch a.Status {
		case StatusBooked:
			active = append(active, a)
		case StatusCancelled:
			cancelled = append(cancelled, a)
		}
	}
	logger.Info("retrieved appointments", "user_id", uid, "active", len(active), "cancelled", len(cancelled))
	return map[string]any{
		"status":                 "ok",
		"user_id":                uid,
		"active_appointments":    active,
		"cancelled_appointments": cancelled,
		"total_active":           len(active),
		"total_cancelled":        len(cancelled),
	}
}

func (s *Store) CancelAppointment(id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	for i := range db.Appointments {
		a := &db.Appointments[i]
		if a.AppointmentID != id {
			continue
		}
		if a.Status == StatusCancelled {
			return map[string]any{"status": "already_cancelled", "message": "Already cancelled."}, nil
		}
		now := s.now()
		a.Status = StatusCancelled
		a.ModifiedAt = &now
		if err := s.save(db); err != nil {
			return nil, fmt.Errorf("cancel appointment: %w", err)
		}
		logger.Info("cancelled appointment", "appointment_id", id)
		return map[string]any{
			"status":         "cancelled",
			"appointment_id": id,
			"date":           a.Date,
			"time":           a.Time,
			"message":        fmt.Sprintf("Appointment on %s at %s cancelled.", a.Date, a.Time),
		}, nil
	}
	return map[string]any{"status": "not_found", "message": fmt.Sprintf("No appointment with ID %s.", id)}, nil
}

func (s *Store) ModifyAppointment(id, newDate, newTime string) (map[string]any, error) {
	if newDate == "" && newTime == "" {
		return map[string]any{"status": "error", "message": "Provide a new date or time."}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	for i := range db.Appointments {
		a := &db.Appointments[i]
		if a.AppointmentID != id || a.Status != StatusBooked {
			continue
		}
		date, slot := a.Date, a.Time
		if newDate != "" {
			date = newDate
		}
		if newTime != "" {
			slot = newTime
		}

		all, err := Slots(date)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(all, slot) {
			return map[string]any{"status": "invalid_slot", "message": fmt.Sprintf("'%s' is not valid.", slot)}, nil
		}
		booked := bookedSlots(db, date)
		if a.Date == date {
			delete(booked, a.Time)
		}
		if booked[slot] {
			return map[string]any{
				"status":                 "conflict",
				"message":                fmt.Sprintf("%s on %s is taken.", slot, date),
				"suggested_alternatives": firstN(available(all, booked), 5),
			}, nil
		}

		oldDate, oldTime := a.Date, a.Time
		now := s.now()
		a.Date, a.Time, a.ModifiedAt = date, slot, &now
		if err := s.save(db); err != nil {
			return nil, fmt.Errorf("modify appointment: %w", err)
		}
		logger.Info("modified appointment", "appointment_id", id, "from", oldDate+" "+oldTime, "to", date+" "+slot)
		return map[string]any{
			"status":         "modified",
			"appointment_id": id,
			"old_date":       oldDate,
			"old_time":       oldTime,
			"new_date":       date,
			"new_time":       slot,
			"message":        fmt.Sprintf("Moved from %s %s to %s %s.", oldDate, oldTime, date, slot),
		}, nil
	}
	return map[string]any{"status": "not_found", "message": fmt.Sprintf("No active appointment with ID %s.", id)}, nil
}
