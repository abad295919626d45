// Package localization 本地化字串查找.
package localization

// Localizer 本地化查找接口，由宿主應用提供實作.
type Localizer interface {
	Localize(key string) string
}

// Table 以映射表為底的預設實作；查無鍵時返回鍵本身.
type Table map[string]string

func (t Table) Localize(key string) string {
	if v, ok := t[key]; ok {
		return v
	}
	return key
}

// Default 內建法文字串表（與既有 iOS 客戶端字串鍵一致）.
func Default() Table {
	return Table{
		"channels.title":             "Canaux",
		"channels.section.alert":     "Alerte",
		"channels.section.web":       "Réservations internet",
		"channel.ride.name":          "Course du %s",
		"passengerRideChannelsTitle": "Mes courses",
		"driverRideChannelsTitle":    "Courses passagers",
	}
}
