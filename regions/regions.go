// Package regions lists the states offered by the contact details form.
package regions

import (
	"fmt"
	"strings"

	"inspire-scraper/models"
)

var states = models.OptionMap{
	"1":  "Andaman And Nicobar",
	"2":  "Andhra Pradesh",
	"3":  "Arunachal Pradesh",
	"4":  "Assam",
	"5":  "Bihar",
	"6":  "Chandigarh",
	"7":  "Chhattisgarh",
	"42": "Dadra And Nagar Haveli And Daman And Diu",
	"10": "Delhi",
	"11": "Goa",
	"12": "Gujarat",
	"13": "Haryana",
	"14": "Himachal Pradesh",
	"15": "Jammu And Kashmir",
	"16": "Jharkhand",
	"17": "Karnataka",
	"36": "Kendriya Vidyalaya Sangathan",
	"18": "Kerala",
	"40": "Ladakh",
	"19": "Lakshadweep",
	"20": "Madhya Pradesh",
	"21": "Maharashtra",
	"22": "Manipur",
	"23": "Meghalaya",
	"24": "Mizoram",
	"25": "Nagaland",
	"37": "Navodaya Vidyalaya Samiti",
	"26": "Odisha",
	"27": "Puducherry",
	"28": "Punjab",
	"29": "Rajasthan",
	"38": "Sainik Schools Society",
	"30": "Sikkim",
	"31": "Tamil Nadu",
	"39": "Telangana",
	"32": "Tripura",
	"33": "Uttar Pradesh",
	"34": "Uttarakhand",
	"35": "West Bengal",
}

// All returns a copy of the region table
func All() models.OptionMap {
	out := make(models.OptionMap, len(states))
	for id, name := range states {
		out[id] = name
	}
	return out
}

// Name returns the region name, or State_<id> when the id is unknown
func Name(id string) string {
	if name, ok := states[id]; ok {
		return name
	}
	return fmt.Sprintf("State_%s", id)
}

// Resolve accepts a region id or a case-insensitive region name
func Resolve(idOrName string) (string, bool) {
	idOrName = strings.TrimSpace(idOrName)
	if _, ok := states[idOrName]; ok {
		return idOrName, true
	}
	for id, name := range states {
		if strings.EqualFold(name, idOrName) {
			return id, true
		}
	}
	return "", false
}

// ResolveAll turns ids or names into region ids. An empty list or "all"
// selects every region, ordered by name.
func ResolveAll(args []string) ([]string, error) {
	var ids []string
	seen := map[string]bool{}
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if strings.EqualFold(arg, "all") || arg == "*" {
			return All().IDs(), nil
		}
		id, ok := Resolve(arg)
		if !ok {
			return nil, fmt.Errorf("unknown region %q", arg)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return All().IDs(), nil
	}
	return ids, nil
}
